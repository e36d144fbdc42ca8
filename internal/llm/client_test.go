package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/NormLab/internal/services"
)

type chatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c, err := NewClient(Config{APIKey: "test-key", BaseURL: server.URL, Model: "test-model", MaxRetries: 0})
	require.NoError(t, err)
	return c
}

func TestComplete(t *testing.T) {
	var got chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Hello there"}}]}`)
	})

	text, err := c.Complete(context.Background(), []services.ChatMessage{
		{Role: services.RoleSystem, Content: "be nice"},
		{Role: services.RoleUser, Content: "hi"},
		{Role: services.RoleAssistant, Content: "hello"},
		{Role: services.RoleUser, Content: "again"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", text)

	assert.Equal(t, "test-model", got.Model)
	require.Len(t, got.Messages, 4)
	roles := []string{got.Messages[0].Role, got.Messages[1].Role, got.Messages[2].Role, got.Messages[3].Role}
	assert.Equal(t, []string{"system", "user", "assistant", "user"}, roles)
	assert.Equal(t, "again", got.Messages[3].Content)
}

func TestCompleteErrorStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	})
	_, err := c.Complete(context.Background(), []services.ChatMessage{{Role: services.RoleUser, Content: "hi"}})
	require.Error(t, err)
}

func TestStream(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo ", "world"} {
			_, _ = fmt.Fprintf(w, "data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"test-model\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	text, err := c.Stream(context.Background(), []services.ChatMessage{{Role: services.RoleUser, Content: "hi"}}, func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
	assert.Equal(t, "Hello world", strings.Join(deltas, ""))
}

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
