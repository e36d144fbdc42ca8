package api

import (
	"strings"
	"time"

	"github.com/soaringjerry/NormLab/internal/middleware"
	"github.com/soaringjerry/NormLab/internal/services"
)

// NewResearcherStore exposes the single configured researcher account.
// An empty email yields a store that rejects every login.
func NewResearcherStore(email, passwordHash string) services.ResearcherStore {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return services.StaticResearchers{}
	}
	return services.StaticResearchers{email: {Email: email, PassHash: []byte(passwordHash)}}
}

// NewTokenSigner signs researcher tokens with the middleware's HMAC key.
func NewTokenSigner() services.TokenSigner {
	return func(email string, ttl time.Duration) (string, error) {
		return middleware.SignToken(email, ttl)
	}
}
