package api

import (
	"context"

	"github.com/soaringjerry/NormLab/internal/services"
)

// meteredStore counts appends and store failures. It is what the services see.
type meteredStore struct {
	Store
	metrics *Metrics
}

// MeterStore wraps s; a nil metrics returns s unchanged.
func MeterStore(s Store, m *Metrics) Store {
	if m == nil {
		return s
	}
	return &meteredStore{Store: s, metrics: m}
}

func (s *meteredStore) fail(op string, err error) error {
	if err != nil {
		s.metrics.storeErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (s *meteredStore) ListIdentities(ctx context.Context) ([]string, error) {
	out, err := s.Store.ListIdentities(ctx)
	return out, s.fail("list_identities", err)
}

func (s *meteredStore) ListConditions(ctx context.Context) ([]services.Condition, error) {
	out, err := s.Store.ListConditions(ctx)
	return out, s.fail("list_conditions", err)
}

func (s *meteredStore) ListRows(ctx context.Context) ([]services.Row, error) {
	out, err := s.Store.ListRows(ctx)
	return out, s.fail("list_rows", err)
}

func (s *meteredStore) AppendRow(ctx context.Context, r services.Row) error {
	err := s.Store.AppendRow(ctx, r)
	s.metrics.rowsAppended.WithLabelValues(statusLabel(err)).Inc()
	return s.fail("append_row", err)
}

func (s *meteredStore) AppendDraft(ctx context.Context, d services.DraftSnapshot) error {
	return s.fail("append_draft", s.Store.AppendDraft(ctx, d))
}

var _ Store = (*meteredStore)(nil)
