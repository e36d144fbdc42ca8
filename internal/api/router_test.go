package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/soaringjerry/NormLab/internal/middleware"
	"github.com/soaringjerry/NormLab/internal/services"
)

// scriptedCompleter answers from a queue, then with a default line.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	fail    error
	calls   [][]services.ChatMessage
}

func (c *scriptedCompleter) next(msgs []services.ChatMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, msgs)
	if c.fail != nil {
		return "", c.fail
	}
	if len(c.replies) == 0 {
		return "Interesting, tell me more.", nil
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r, nil
}

func (c *scriptedCompleter) Complete(_ context.Context, msgs []services.ChatMessage) (string, error) {
	return c.next(msgs)
}

func (c *scriptedCompleter) Stream(_ context.Context, msgs []services.ChatMessage, onDelta func(string)) (string, error) {
	text, err := c.next(msgs)
	if err != nil {
		return "", err
	}
	for _, part := range strings.SplitAfter(text, " ") {
		onDelta(part)
	}
	return text, nil
}

func (c *scriptedCompleter) setReplies(r ...string) {
	c.mu.Lock()
	c.replies = append([]string(nil), r...)
	c.mu.Unlock()
}

func (c *scriptedCompleter) setFail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

type testEnv struct {
	server  *httptest.Server
	store   *memoryStore
	llm     *scriptedCompleter
	metrics *Metrics
	router  *Router
}

const (
	testAdminEmail    = "lab@example.org"
	testAdminPassword = "correct horse"
)

func newTestEnv(t *testing.T, rules services.Rules) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog, err := services.LoadCatalog("")
	require.NoError(t, err)

	store := newMemoryStore()
	metrics := NewMetrics()
	metered := MeterStore(store, metrics)
	llm := &scriptedCompleter{}
	engine := services.NewConversationEngine(MeterCompleter(llm, metrics), services.DefaultTerminationToken, time.Second)
	assigner := services.NewConditionAssigner(catalog, metered, logger, services.WithRand(func(int) int { return 0 }))
	x := services.NewExperiment(catalog, services.NewDuplicateGuard(metered), assigner, engine,
		services.NewResultRecorder(metered, nil), rules, logger)
	x.OnTransition = metrics.ObserveTransition

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminPassword), bcrypt.MinCost)
	require.NoError(t, err)
	middleware.SetSecret("router-test-secret")
	t.Cleanup(func() { middleware.SetSecret("") })

	rt := NewRouter(Options{
		Experiment: x,
		Store:      metered,
		Sessions:   NewMemoryRegistry(time.Hour),
		Drafts:     services.NewDraftService(metered, time.Hour),
		Exports:    services.NewExportService(metered),
		Analytics:  services.NewAnalyticsService(catalog, metered),
		Auth:       services.NewAuthService(NewResearcherStore(testAdminEmail, string(hash)), NewTokenSigner()),
		Metrics:    metrics,
		Logger:     logger,
		Commit:     "abc123",
	})
	mux := http.NewServeMux()
	rt.Register(mux)
	srv := httptest.NewServer(middleware.LocaleMiddleware(mux))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: store, llm: llm, metrics: metrics, router: rt}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) (int, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.server.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(res.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return res.StatusCode, out
}

func (e *testEnv) newSession(t *testing.T) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "collecting_identity", body["phase"])
	return body["handle"].(string)
}

func (e *testEnv) rowCount() int {
	rows, _ := e.store.ListRows(context.Background())
	return len(rows)
}

func transcriptLen(body map[string]any) int {
	tr, _ := body["transcript"].([]any)
	return len(tr)
}

func TestParticipantJourney(t *testing.T) {
	env := newTestEnv(t, services.Rules{})
	h := env.newSession(t)
	base := "/api/sessions/" + h

	status, body := env.do(t, http.MethodPost, base+"/identity", map[string]string{"identity": "P001"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "collecting_initial_opinion", body["phase"])
	topic := body["topic"].(map[string]any)
	assert.Equal(t, "1", topic["key"])
	assert.NotContains(t, topic, "system_prompt")

	env.llm.setReplies("Hi! What do you think about crying in parks?")
	status, body = env.do(t, http.MethodPost, base+"/opinion/initial", map[string]int{"value": 3})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "conversing", body["phase"])
	assert.Equal(t, 1, transcriptLen(body))
	assert.Equal(t, false, body["can_end_conversation"])

	status, body = env.do(t, http.MethodPost, base+"/end", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conversation_too_short", body["code"])

	for i := 0; i < 3; i++ {
		status, body = env.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "I am not sure"})
		require.Equal(t, http.StatusOK, status, body)
		assert.NotEmpty(t, body["reply"])
	}
	sess := body["session"].(map[string]any)
	assert.Equal(t, 7, transcriptLen(sess))
	assert.Equal(t, true, sess["can_end_conversation"])

	status, body = env.do(t, http.MethodPost, base+"/end", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "collecting_final_opinion", body["phase"])
	assert.EqualValues(t, 3, body["final_opinion_default"])

	status, body = env.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "one more"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_transition", body["code"])

	status, _ = env.do(t, http.MethodPost, base+"/opinion/final", map[string]int{"value": 5})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, base+"/help", map[string]string{"text": "How do I start?"})
	require.Equal(t, http.StatusOK, status, body)
	sess = body["session"].(map[string]any)
	assert.Len(t, sess["help_transcript"], 2)
	assert.Equal(t, 7, transcriptLen(sess))

	status, body = env.do(t, http.MethodPost, base+"/argumentation", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "empty_submission", body["code"])
	assert.Equal(t, 0, env.rowCount())

	status, body = env.do(t, http.MethodPost, base+"/argumentation", map[string]string{"text": "People should be free to cry."})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "completed", body["phase"])

	rows, err := env.store.ListRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "P001", rows[0].Identity)
	assert.Equal(t, 3, rows[0].InitialOpinion)
	assert.Equal(t, 5, rows[0].FinalOpinion)
	msgs, err := services.DecodeTranscript(rows[0].TranscriptJSON)
	require.NoError(t, err)
	assert.Len(t, msgs, 7)

	status, body = env.do(t, http.MethodPost, base+"/argumentation", map[string]string{"text": "again"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_completed", body["code"])
	assert.Equal(t, 1, env.rowCount())

	// same identity, different case and padding
	h2 := env.newSession(t)
	status, body = env.do(t, http.MethodPost, "/api/sessions/"+h2+"/identity", map[string]string{"identity": " p001 "})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "duplicate_identifier", body["code"])
	status, body = env.do(t, http.MethodGet, "/api/sessions/"+h2, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "collecting_identity", body["phase"])
	assert.Equal(t, 1, env.rowCount())
}

func TestModelTerminationEndsConversation(t *testing.T) {
	env := newTestEnv(t, services.Rules{})
	h := env.newSession(t)
	base := "/api/sessions/" + h
	env.do(t, http.MethodPost, base+"/identity", map[string]string{"identity": "P100"})
	env.do(t, http.MethodPost, base+"/opinion/initial", map[string]int{"value": 4})

	env.llm.setReplies("Thanks for the chat! ABRACADABRA")
	status, body := env.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "I have to go"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, true, body["terminated"])
	assert.Equal(t, "Thanks for the chat!", body["reply"])
	sess := body["session"].(map[string]any)
	assert.Equal(t, "collecting_final_opinion", sess["phase"])
	assert.Equal(t, "model", sess["end_reason"])
}

func TestCompletionFailureKeepsTranscript(t *testing.T) {
	env := newTestEnv(t, services.Rules{})
	h := env.newSession(t)
	base := "/api/sessions/" + h
	env.do(t, http.MethodPost, base+"/identity", map[string]string{"identity": "P200"})

	env.llm.setFail(errors.New("upstream down"))
	status, body := env.do(t, http.MethodPost, base+"/opinion/initial", map[string]int{"value": 2})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "completion_failed", body["code"])

	_, body = env.do(t, http.MethodGet, base, nil)
	assert.Equal(t, "conversing", body["phase"])
	assert.Equal(t, 0, transcriptLen(body))

	env.llm.setFail(nil)
	status, body = env.do(t, http.MethodPost, base+"/open", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, 1, transcriptLen(body["session"].(map[string]any)))

	env.llm.setFail(errors.New("timeout"))
	status, _ = env.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "hello"})
	assert.Equal(t, http.StatusBadGateway, status)
	_, body = env.do(t, http.MethodGet, base, nil)
	assert.Equal(t, 1, transcriptLen(body))
}

func TestValidationErrorsAreLocalized(t *testing.T) {
	env := newTestEnv(t, services.Rules{})
	h := env.newSession(t)
	status, body := env.do(t, http.MethodPost, "/api/sessions/"+h+"/identity", map[string]string{"identity": "  "},
		"Accept-Language", "de-DE")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "missing_identifier", body["code"])
	assert.Contains(t, body["error"], "Teilnehmer-ID")

	env.do(t, http.MethodPost, "/api/sessions/"+h+"/identity", map[string]string{"identity": "P300"})
	status, body = env.do(t, http.MethodPost, "/api/sessions/"+h+"/opinion/initial", map[string]int{"value": 9})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid", body["code"])
	status, body = env.do(t, http.MethodPost, "/api/sessions/"+h+"/opinion/initial", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "empty_submission", body["code"])

	status, _ = env.do(t, http.MethodGet, "/api/sessions/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestChangeTopic(t *testing.T) {
	disabled := newTestEnv(t, services.Rules{})
	h := disabled.newSession(t)
	disabled.do(t, http.MethodPost, "/api/sessions/"+h+"/identity", map[string]string{"identity": "P400"})
	status, body := disabled.do(t, http.MethodPost, "/api/sessions/"+h+"/change-topic", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "feature_disabled", body["code"])

	env := newTestEnv(t, services.Rules{AllowTopicChange: true})
	h = env.newSession(t)
	_, body = env.do(t, http.MethodPost, "/api/sessions/"+h+"/identity", map[string]string{"identity": "P401"})
	assert.Equal(t, true, body["topic_change_allowed"])
	before := body["norm"].(map[string]any)["key"]
	status, body = env.do(t, http.MethodPost, "/api/sessions/"+h+"/change-topic", nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "collecting_initial_opinion", body["phase"])
	assert.NotEqual(t, before, body["norm"].(map[string]any)["key"])
}

func TestDraftSnapshots(t *testing.T) {
	env := newTestEnv(t, services.Rules{MinUserTurns: 1})
	h := env.newSession(t)
	base := "/api/sessions/" + h

	status, body := env.do(t, http.MethodPost, base+"/drafts", map[string]string{"text": "early"})
	assert.Equal(t, http.StatusConflict, status, body)

	env.do(t, http.MethodPost, base+"/identity", map[string]string{"identity": "P500"})
	env.do(t, http.MethodPost, base+"/opinion/initial", map[string]int{"value": 4})
	env.do(t, http.MethodPost, base+"/messages", map[string]string{"text": "hi"})
	env.do(t, http.MethodPost, base+"/end", nil)
	env.do(t, http.MethodPost, base+"/opinion/final", map[string]int{"value": 4})

	status, _ = env.do(t, http.MethodPost, base+"/drafts", map[string]string{"text": "I think"})
	assert.Equal(t, http.StatusAccepted, status)
	status, body = env.do(t, http.MethodPost, base+"/drafts", map[string]string{"text": "I think that"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "too_many_requests", body["code"])

	drafts, err := env.store.ListDrafts(context.Background(), h)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "P500", drafts[0].Identity)

	_, body = env.do(t, http.MethodGet, base, nil)
	assert.Equal(t, "collecting_argumentation", body["phase"])
}

func TestCatalogHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, services.Rules{})
	status, body := env.do(t, http.MethodGet, "/api/catalog", nil)
	require.Equal(t, http.StatusOK, status)
	topics := body["topics"].([]any)
	require.NotEmpty(t, topics)
	assert.NotContains(t, topics[0].(map[string]any), "system_prompt")
	assert.EqualValues(t, 7, body["opinion_scale"].(map[string]any)["max"])

	status, body = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "abc123", body["commit"])

	h := env.newSession(t)
	env.do(t, http.MethodPost, "/api/sessions/"+h+"/identity", map[string]string{"identity": "P600"})

	res, err := http.Get(env.server.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	text := string(raw)
	assert.Contains(t, text, "normlab_sessions_started_total 1")
	assert.Contains(t, text, `normlab_phase_transitions_total{from="collecting_identity",to="assigning_condition"} 1`)
}

// failingPutRegistry fails Put for completed sessions a fixed number of times.
type failingPutRegistry struct {
	SessionRegistry
	mu       sync.Mutex
	failures int
}

func (r *failingPutRegistry) Put(ctx context.Context, s *services.Session) error {
	r.mu.Lock()
	fail := s.Phase == services.PhaseCompleted && r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return errors.New("redis set failed: connection reset")
	}
	return r.SessionRegistry.Put(ctx, s)
}

func (e *testEnv) driveToArgumentation(t *testing.T, identity string) string {
	t.Helper()
	h := e.newSession(t)
	base := "/api/sessions/" + h
	steps := []struct {
		path string
		body any
	}{
		{"/identity", map[string]string{"identity": identity}},
		{"/opinion/initial", map[string]int{"value": 2}},
		{"/messages", map[string]string{"text": "tell me more"}},
		{"/end", nil},
		{"/opinion/final", map[string]int{"value": 4}},
	}
	for _, s := range steps {
		status, body := e.do(t, http.MethodPost, base+s.path, s.body)
		require.Equal(t, http.StatusOK, status, "%s: %v", s.path, body)
	}
	return h
}

func TestCompletedSessionSurvivesSaveFailure(t *testing.T) {
	env := newTestEnv(t, services.Rules{MinUserTurns: 1})
	reg := &failingPutRegistry{SessionRegistry: env.router.sessions, failures: 1}
	env.router.sessions = reg
	h := env.driveToArgumentation(t, "P9")
	base := "/api/sessions/" + h

	status, body := env.do(t, http.MethodPost, base+"/argumentation", map[string]string{"text": "because"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "completed", body["phase"])
	assert.Equal(t, 1, env.rowCount())

	status, body = env.do(t, http.MethodPost, base+"/argumentation", map[string]string{"text": "because"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "session_completed", body["code"])
	assert.Equal(t, 1, env.rowCount())
}

func TestResubmitAfterLostCompletionAppendsOnce(t *testing.T) {
	env := newTestEnv(t, services.Rules{MinUserTurns: 1})
	reg := &failingPutRegistry{SessionRegistry: env.router.sessions, failures: completedSaveAttempts}
	env.router.sessions = reg
	h := env.driveToArgumentation(t, "P9")
	base := "/api/sessions/" + h

	status, body := env.do(t, http.MethodPost, base+"/argumentation", map[string]string{"text": "because"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, 1, env.rowCount())

	// the registry never saw the completion, so the participant may submit again
	status, body = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "collecting_argumentation", body["phase"])

	status, body = env.do(t, http.MethodPost, base+"/argumentation", map[string]string{"text": "because"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "completed", body["phase"])
	assert.Equal(t, 1, env.rowCount())
}

// tallyDownStore fails the condition scan but still answers identity lookups.
type tallyDownStore struct{ Store }

func (tallyDownStore) ListConditions(context.Context) ([]services.Condition, error) {
	return nil, errors.New("scan failed")
}

func TestAssignFallbackWarningInView(t *testing.T) {
	env := newTestEnv(t, services.Rules{})
	x := env.router.x
	x.Assigner = services.NewConditionAssigner(x.Catalog, tallyDownStore{Store: env.store}, slog.New(slog.NewTextHandler(io.Discard, nil)),
		services.WithFallback(true))
	h := env.newSession(t)

	status, body := env.do(t, http.MethodPost, "/api/sessions/"+h+"/identity", map[string]string{"identity": "P200"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "collecting_initial_opinion", body["phase"])
	assert.Equal(t, "1", body["topic"].(map[string]any)["key"])
	assert.NotEmpty(t, body["assign_warning"])

	status, body = env.do(t, http.MethodGet, "/api/sessions/"+h, nil)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["assign_warning"])
}
