package api

import (
	"context"
	"net/http"

	"github.com/soaringjerry/NormLab/internal/services"
)

type textRequest struct {
	Text string `json:"text"`
}

type opinionRequest struct {
	Value *int `json:"value"`
}

// completedSaveAttempts bounds how often a completed session is written back.
const completedSaveAttempts = 3

// withMachine loads the session under its handle lock, runs op and stores the
// session again whatever op returned, since a failed step may still have moved it.
// Once a session completed its row is durable, so a failed write-back is retried
// and then only logged; reporting it would invite a second submission.
func (rt *Router) withMachine(ctx context.Context, handle string, op func(m *services.Machine) error) (*services.Machine, error) {
	unlock := rt.locks.Lock(handle)
	defer unlock()
	sess, err := rt.sessions.Get(ctx, handle)
	if err != nil {
		return nil, err
	}
	m := rt.x.Machine(sess)
	opErr := op(m)
	completed := opErr == nil && sess.Phase == services.PhaseCompleted
	attempts := 1
	if completed {
		attempts = completedSaveAttempts
	}
	var putErr error
	for i := 0; i < attempts; i++ {
		if putErr = rt.sessions.Put(ctx, sess); putErr == nil {
			break
		}
		rt.logger.Error("save session failed", "handle", handle, "attempt", i+1, "err", putErr)
	}
	if putErr != nil && !completed {
		return m, services.NewStoreUnavailableError("save session", putErr)
	}
	if completed && rt.drafts != nil {
		rt.drafts.Forget(handle)
	}
	return m, opErr
}

// step is the common shape: run op and answer with the session view.
func (rt *Router) step(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, m *services.Machine) error) {
	ctx := r.Context()
	m, err := rt.withMachine(ctx, r.PathValue("handle"), func(m *services.Machine) error { return op(ctx, m) })
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.view(m))
}

// turn is step for operations that return a model reply.
func (rt *Router) turn(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, m *services.Machine) (services.TurnResult, error)) {
	ctx := r.Context()
	var res services.TurnResult
	m, err := rt.withMachine(ctx, r.PathValue("handle"), func(m *services.Machine) error {
		var err error
		res, err = op(ctx, m)
		return err
	})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, turnView{Reply: res.Reply, Terminated: res.Terminated, Session: rt.view(m)})
}

// POST /api/sessions
func (rt *Router) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	s := rt.x.NewSession(rt.newHandle())
	if err := rt.sessions.Put(r.Context(), s); err != nil {
		rt.logger.Error("create session failed", "err", err)
		rt.writeError(w, r, services.NewStoreUnavailableError("save session", err))
		return
	}
	if rt.metrics != nil {
		rt.metrics.sessionsStarted.Inc()
	}
	writeJSON(w, http.StatusCreated, rt.view(rt.x.Machine(s)))
}

// GET /api/sessions/{handle}
func (rt *Router) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s, err := rt.sessions.Get(r.Context(), r.PathValue("handle"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt.view(rt.x.Machine(s)))
}

// POST /api/sessions/{handle}/identity {identity}
func (rt *Router) handleIdentity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.step(w, r, func(ctx context.Context, m *services.Machine) error {
		return m.SubmitIdentity(ctx, req.Identity)
	})
}

// POST /api/sessions/{handle}/change-topic
func (rt *Router) handleChangeTopic(w http.ResponseWriter, r *http.Request) {
	rt.step(w, r, func(ctx context.Context, m *services.Machine) error {
		return m.ChangeTopic(ctx)
	})
}

// POST /api/sessions/{handle}/opinion/initial {value}
// On success the view already carries the opening line.
func (rt *Router) handleInitialOpinion(w http.ResponseWriter, r *http.Request) {
	var req opinionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.step(w, r, func(ctx context.Context, m *services.Machine) error {
		return m.SubmitInitialOpinion(ctx, req.Value)
	})
}

// POST /api/sessions/{handle}/open retries a failed opening line.
func (rt *Router) handleOpen(w http.ResponseWriter, r *http.Request) {
	rt.turn(w, r, func(ctx context.Context, m *services.Machine) (services.TurnResult, error) {
		return m.OpenConversation(ctx)
	})
}

// POST /api/sessions/{handle}/messages {text}
func (rt *Router) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.turn(w, r, func(ctx context.Context, m *services.Machine) (services.TurnResult, error) {
		return m.SendMessage(ctx, req.Text)
	})
}

// POST /api/sessions/{handle}/end
func (rt *Router) handleEnd(w http.ResponseWriter, r *http.Request) {
	rt.step(w, r, func(_ context.Context, m *services.Machine) error {
		return m.EndConversation()
	})
}

// POST /api/sessions/{handle}/opinion/final {value}
func (rt *Router) handleFinalOpinion(w http.ResponseWriter, r *http.Request) {
	var req opinionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.step(w, r, func(ctx context.Context, m *services.Machine) error {
		return m.SubmitFinalOpinion(ctx, req.Value)
	})
}

// POST /api/sessions/{handle}/help {text}
func (rt *Router) handleHelp(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.turn(w, r, func(ctx context.Context, m *services.Machine) (services.TurnResult, error) {
		return m.AskHelper(ctx, req.Text)
	})
}

// POST /api/sessions/{handle}/argumentation {text}
func (rt *Router) handleArgumentation(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.step(w, r, func(ctx context.Context, m *services.Machine) error {
		return m.SubmitArgumentation(ctx, req.Text)
	})
}

// POST /api/sessions/{handle}/drafts {text}
// Snapshots are a side channel: the session is read, never written.
func (rt *Router) handleDraft(w http.ResponseWriter, r *http.Request) {
	if rt.drafts == nil {
		rt.writeError(w, r, &services.ServiceError{Code: services.ErrorFeatureDisabled, Message: "draft telemetry is disabled"})
		return
	}
	var req textRequest
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	s, err := rt.sessions.Get(r.Context(), r.PathValue("handle"))
	if err == nil {
		err = rt.drafts.Record(r.Context(), s, req.Text)
	}
	if rt.metrics != nil {
		status := "accepted"
		switch {
		case services.HasCode(err, services.ErrorTooManyRequests):
			status = "throttled"
		case err != nil:
			status = "rejected"
		}
		rt.metrics.draftsTotal.WithLabelValues(status).Inc()
	}
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}
