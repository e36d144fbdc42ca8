package services

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errStoreDown = errors.New("store down")

// stubStore is an in-memory RowStore and DraftStore with switchable failures.
type stubStore struct {
	mu         sync.Mutex
	rows       []Row
	drafts     []DraftSnapshot
	failRead   bool
	failAppend bool
}

func (s *stubStore) ListIdentities(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return nil, errStoreDown
	}
	out := make([]string, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, r.Identity)
	}
	return out, nil
}

func (s *stubStore) ListConditions(context.Context) ([]Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return nil, errStoreDown
	}
	out := make([]Condition, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, Condition{TopicKey: r.TopicKey, NormKey: r.NormKey})
	}
	return out, nil
}

func (s *stubStore) ListRows(context.Context) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRead {
		return nil, errStoreDown
	}
	return append([]Row(nil), s.rows...), nil
}

func (s *stubStore) AppendRow(_ context.Context, r Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errStoreDown
	}
	s.rows = append(s.rows, r)
	return nil
}

func (s *stubStore) AppendDraft(_ context.Context, d DraftSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errStoreDown
	}
	s.drafts = append(s.drafts, d)
	return nil
}

func (s *stubStore) seed(identity, topic, norm string) {
	s.rows = append(s.rows, Row{
		Identity:       identity,
		TopicKey:       topic,
		NormKey:        norm,
		InitialOpinion: 4,
		FinalOpinion:   4,
		CompletedAt:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	})
}

// stubCompleter replays scripted replies in order; once exhausted it repeats "ok".
type stubCompleter struct {
	mu       sync.Mutex
	replies  []string
	fail     error
	requests [][]ChatMessage
}

func (c *stubCompleter) next(msgs []ChatMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, msgs)
	if c.fail != nil {
		return "", c.fail
	}
	if len(c.replies) == 0 {
		return "ok", nil
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

func (c *stubCompleter) Complete(_ context.Context, msgs []ChatMessage) (string, error) {
	return c.next(msgs)
}

// Stream emits the reply in 3-byte chunks.
func (c *stubCompleter) Stream(_ context.Context, msgs []ChatMessage, onDelta func(string)) (string, error) {
	r, err := c.next(msgs)
	if err != nil {
		return "", err
	}
	for i := 0; i < len(r); i += 3 {
		onDelta(r[i:min(i+3, len(r))])
	}
	return r, nil
}

func (c *stubCompleter) lastRequest() []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return c.requests[len(c.requests)-1]
}

func intp(v int) *int { return &v }
