package api

import (
	"context"

	"github.com/soaringjerry/NormLab/internal/services"
)

// Store is everything the HTTP layer needs from persistence: the append-only
// session rows and the draft side channel.
type Store interface {
	services.RowStore
	services.DraftStore
	ListDrafts(ctx context.Context, handle string) ([]services.DraftSnapshot, error)
	Ping(ctx context.Context) error
}

var _ Store = (*memoryStore)(nil)
