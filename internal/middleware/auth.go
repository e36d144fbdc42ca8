package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/soaringjerry/NormLab/internal/utils"
)

type authCtxKey int

const authKey authCtxKey = 7

const tokenIssuer = "normlab"

// Claims identify a researcher. Participants never carry tokens.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

var (
	secretMu  sync.RWMutex
	secretKey []byte
)

// SetSecret installs the HMAC key. Without one, NORMLAB_JWT_SECRET or a dev key is used.
func SetSecret(s string) {
	secretMu.Lock()
	defer secretMu.Unlock()
	secretKey = []byte(s)
}

func secret() []byte {
	secretMu.RLock()
	defer secretMu.RUnlock()
	if len(secretKey) > 0 {
		return secretKey
	}
	return []byte(utils.SafeEnv("NORMLAB_JWT_SECRET", "normlab-dev-secret"))
}

func SignToken(email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{Email: email, RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret())
}

func parseToken(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{}, func(token *jwt.Token) (interface{}, error) { return secret(), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	if c, ok := t.Claims.(*Claims); ok && t.Valid {
		return c, nil
	}
	return nil, errors.New("invalid token")
}

// WithAuth attaches researcher claims when a valid bearer token is present.
func WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if strings.HasPrefix(h, "Bearer ") {
			tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
			if c, err := parseToken(tok); err == nil {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authKey, c)))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Value(authKey).(*Claims); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "unauthorized", "error": "researcher login required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ResearcherFromContext(ctx context.Context) (string, bool) {
	if c, ok := ctx.Value(authKey).(*Claims); ok && c.Email != "" {
		return c.Email, true
	}
	return "", false
}
