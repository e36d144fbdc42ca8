package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestAuthRoundTrip(t *testing.T) {
	SetSecret("test-secret")
	t.Cleanup(func() { SetSecret("") })

	tok, err := SignToken("lab@example.org", time.Hour)
	require.NoError(t, err)

	var seen string
	h := WithAuth(RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ResearcherFromContext(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/summary", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "lab@example.org", seen)
}

func TestAuthRejects(t *testing.T) {
	SetSecret("test-secret")
	t.Cleanup(func() { SetSecret("") })
	h := WithAuth(RequireAuth(okHandler()))

	expired, err := SignToken("lab@example.org", -time.Minute)
	require.NoError(t, err)
	SetSecret("other-secret")
	forged, err := SignToken("lab@example.org", time.Hour)
	require.NoError(t, err)
	SetSecret("test-secret")

	for name, header := range map[string]string{
		"missing": "",
		"expired": "Bearer " + expired,
		"forged":  "Bearer " + forged,
		"garbage": "Bearer nope",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "unauthorized")
		})
	}
}

func TestLocaleMiddleware(t *testing.T) {
	var got string
	h := LocaleMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LocaleFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept-Language", "de-DE,de;q=0.9,en;q=0.5")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "de", got)
	assert.Equal(t, "de", rec.Header().Get("Content-Language"))
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://study.example.org"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://study.example.org")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://study.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	NoStore(SecureHeaders(okHandler())).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestRequestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := RequestLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	assert.Contains(t, buf.String(), "status=418")
	assert.Contains(t, buf.String(), "path=/api/sessions")
}
