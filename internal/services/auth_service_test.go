package services

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func researchers(t *testing.T) StaticResearchers {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("Secret123"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return StaticResearchers{"lab@example.com": {Email: "lab@example.com", PassHash: hash}}
}

func TestAuthLogin(t *testing.T) {
	var signed string
	svc := NewAuthService(researchers(t), func(email string, ttl time.Duration) (string, error) {
		signed = email
		return "token:" + email, nil
	})
	res, err := svc.Login(" LAB@example.com ", "Secret123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.Token != "token:lab@example.com" || signed != "lab@example.com" || res.ExpiresIn != 12*time.Hour {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAuthLoginRejects(t *testing.T) {
	svc := NewAuthService(researchers(t), func(string, time.Duration) (string, error) { return "t", nil })
	cases := []struct {
		email, password string
		code            ErrorCode
	}{
		{"", "Secret123", ErrorInvalid},
		{"lab@example.com", " ", ErrorInvalid},
		{"lab@example.com", "wrong", ErrorUnauthorized},
		{"nobody@example.com", "Secret123", ErrorUnauthorized},
	}
	for _, tc := range cases {
		if _, err := svc.Login(tc.email, tc.password); !HasCode(err, tc.code) {
			t.Errorf("Login(%q) = %v, want %s", tc.email, err, tc.code)
		}
	}
}

func TestAuthSignerFailure(t *testing.T) {
	boom := errors.New("no key")
	svc := NewAuthService(researchers(t), func(string, time.Duration) (string, error) { return "", boom })
	if _, err := svc.Login("lab@example.com", "Secret123"); !errors.Is(err, boom) {
		t.Fatalf("expected signer error, got %v", err)
	}
}
