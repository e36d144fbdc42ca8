package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Researcher is an account allowed to read exports and summaries.
type Researcher struct {
	Email    string
	PassHash []byte
}

type ResearcherStore interface {
	FindResearcherByEmail(email string) (*Researcher, error)
}

// StaticResearchers serves a fixed set of accounts, typically one from configuration.
type StaticResearchers map[string]*Researcher

func (s StaticResearchers) FindResearcherByEmail(email string) (*Researcher, error) {
	return s[strings.ToLower(strings.TrimSpace(email))], nil
}

type TokenSigner func(email string, ttl time.Duration) (string, error)

type AuthService struct {
	store     ResearcherStore
	signToken TokenSigner
	tokenTTL  time.Duration
}

type AuthResult struct {
	Token     string
	ExpiresIn time.Duration
}

func NewAuthService(store ResearcherStore, signer TokenSigner) *AuthService {
	return &AuthService{store: store, signToken: signer, tokenTTL: 12 * time.Hour}
}

func (s *AuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidError("email/password required")
	}
	if s.store == nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	r, err := s.store.FindResearcherByEmail(email)
	if err != nil {
		return nil, err
	}
	if r == nil || len(r.PassHash) == 0 {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(r.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(r.Email, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, ExpiresIn: s.tokenTTL}, nil
}
