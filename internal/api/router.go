package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/soaringjerry/NormLab/internal/middleware"
	"github.com/soaringjerry/NormLab/internal/services"
	"github.com/soaringjerry/NormLab/internal/utils"
)

const maxBodyBytes = 64 << 10

// Options wires the router. Auth may be nil, which disables the researcher endpoints.
type Options struct {
	Experiment *services.Experiment
	Store      Store
	Sessions   SessionRegistry
	Drafts     *services.DraftService
	Exports    *services.ExportService
	Analytics  *services.AnalyticsService
	Auth       *services.AuthService
	Metrics    *Metrics
	Logger     *slog.Logger
	// AllowedOrigins limits websocket upgrades; empty allows any origin.
	AllowedOrigins []string
	Commit         string
	BuildTime      string
}

type Router struct {
	x         *services.Experiment
	store     Store
	sessions  SessionRegistry
	drafts    *services.DraftService
	exports   *services.ExportService
	analytics *services.AnalyticsService
	auth      *services.AuthService
	metrics   *Metrics
	logger    *slog.Logger
	locks     *handleLocks
	upgrader  websocket.Upgrader
	commit    string
	buildTime string
	newHandle func() string
}

func NewRouter(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Router{
		x:         opts.Experiment,
		store:     opts.Store,
		sessions:  opts.Sessions,
		drafts:    opts.Drafts,
		exports:   opts.Exports,
		analytics: opts.Analytics,
		auth:      opts.Auth,
		metrics:   opts.Metrics,
		logger:    logger,
		locks:     newHandleLocks(),
		commit:    opts.Commit,
		buildTime: opts.BuildTime,
		newHandle: newSessionHandle,
	}
	if rt.sessions == nil {
		rt.sessions = NewMemoryRegistry(24 * time.Hour)
	}
	rt.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	return rt
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", rt.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{handle}", rt.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{handle}/identity", rt.handleIdentity)
	mux.HandleFunc("POST /api/sessions/{handle}/change-topic", rt.handleChangeTopic)
	mux.HandleFunc("POST /api/sessions/{handle}/opinion/initial", rt.handleInitialOpinion)
	mux.HandleFunc("POST /api/sessions/{handle}/open", rt.handleOpen)
	mux.HandleFunc("POST /api/sessions/{handle}/messages", rt.handleMessage)
	mux.HandleFunc("GET /api/sessions/{handle}/ws", rt.handleWebsocket)
	mux.HandleFunc("POST /api/sessions/{handle}/end", rt.handleEnd)
	mux.HandleFunc("POST /api/sessions/{handle}/opinion/final", rt.handleFinalOpinion)
	mux.HandleFunc("POST /api/sessions/{handle}/help", rt.handleHelp)
	mux.HandleFunc("POST /api/sessions/{handle}/drafts", rt.handleDraft)
	mux.HandleFunc("POST /api/sessions/{handle}/argumentation", rt.handleArgumentation)
	mux.HandleFunc("GET /api/catalog", rt.handleCatalog)

	mux.HandleFunc("POST /api/admin/login", rt.handleLogin)
	mux.Handle("GET /api/admin/export", middleware.WithAuth(middleware.RequireAuth(http.HandlerFunc(rt.handleExport))))
	mux.Handle("GET /api/admin/summary", middleware.WithAuth(middleware.RequireAuth(http.HandlerFunc(rt.handleSummary))))
	mux.Handle("GET /api/admin/drafts/{handle}", middleware.WithAuth(middleware.RequireAuth(http.HandlerFunc(rt.handleListDrafts))))

	mux.HandleFunc("GET /health", rt.handleHealth)
	mux.HandleFunc("GET /version", rt.handleVersion)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func statusForCode(code services.ErrorCode) int {
	switch code {
	case services.ErrorMissingIdentifier, services.ErrorEmptySubmission, services.ErrorInvalid:
		return http.StatusBadRequest
	case services.ErrorDuplicateIdentifier, services.ErrorInvalidTransition,
		services.ErrorSessionCompleted, services.ErrorConversationTooShort:
		return http.StatusConflict
	case services.ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	case services.ErrorCompletionFailed:
		return http.StatusBadGateway
	case services.ErrorNotFound:
		return http.StatusNotFound
	case services.ErrorUnauthorized:
		return http.StatusUnauthorized
	case services.ErrorTooManyRequests:
		return http.StatusTooManyRequests
	case services.ErrorFeatureDisabled:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// errorPayload is the only place service errors become client-facing text.
func (rt *Router) errorPayload(ctx context.Context, err error) (int, errorBody) {
	if errors.Is(err, ErrSessionNotFound) {
		return http.StatusNotFound, errorBody{Code: string(services.ErrorNotFound), Error: "session not found"}
	}
	se, ok := services.AsServiceError(err)
	if !ok {
		rt.logger.Error("unhandled error", "err", err)
		return http.StatusInternalServerError, errorBody{Code: "internal", Error: "internal error"}
	}
	body := errorBody{Code: string(se.Code), Error: se.Message}
	if utils.HasT(string(se.Code)) {
		body.Error = utils.T(middleware.LocaleFromContext(ctx), string(se.Code))
		body.Detail = se.Message
	}
	return statusForCode(se.Code), body
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := rt.errorPayload(r.Context(), err)
	writeJSON(w, status, body)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return services.NewInvalidError("invalid JSON body")
	}
	return nil
}

// GET /health
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	locale := middleware.LocaleFromContext(r.Context())
	status := http.StatusOK
	store := "ok"
	if rt.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.store.Ping(ctx); err != nil {
			store = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, map[string]any{
		"ok":         status == http.StatusOK,
		"name":       "NormLab API",
		"locale":     locale,
		"msg":        utils.T(locale, "health.ok"),
		"store":      store,
		"commit":     rt.commit,
		"build_time": rt.buildTime,
	})
}

// GET /version
func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commit": rt.commit, "build_time": rt.buildTime})
}

// GET /api/catalog lists titles and descriptions. Prompt templates never leave the server.
func (rt *Router) handleCatalog(w http.ResponseWriter, r *http.Request) {
	cat := rt.x.Catalog
	writeJSON(w, http.StatusOK, map[string]any{
		"topics":        cat.Topics,
		"norms":         cat.Norms,
		"opinion_scale": opinionScale{Min: rt.x.Rules.OpinionMin, Max: rt.x.Rules.OpinionMax},
	})
}
