package services

import (
	"context"
	"strings"
)

// DuplicateGuard reports whether an identity already completed a session.
// The check is read-only and not atomic with the later append.
type DuplicateGuard struct {
	store RowReader
}

func NewDuplicateGuard(store RowReader) *DuplicateGuard {
	return &DuplicateGuard{store: store}
}

// NormalizeIdentity is the comparison form of a participant identifier.
func NormalizeIdentity(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (g *DuplicateGuard) Exists(ctx context.Context, identity string) (bool, error) {
	want := NormalizeIdentity(identity)
	if want == "" {
		return false, &ServiceError{Code: ErrorMissingIdentifier, Message: "identifier required"}
	}
	ids, err := g.store.ListIdentities(ctx)
	if err != nil {
		return false, NewStoreUnavailableError("read identities", err)
	}
	for _, id := range ids {
		if NormalizeIdentity(id) == want {
			return true, nil
		}
	}
	return false, nil
}
