package api

import (
	"fmt"
	"net/http"

	"github.com/soaringjerry/NormLab/internal/middleware"
	"github.com/soaringjerry/NormLab/internal/services"
)

// POST /api/admin/login {email,password}
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if rt.auth == nil {
		rt.writeError(w, r, &services.ServiceError{Code: services.ErrorFeatureDisabled, Message: "no researcher account configured"})
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		rt.writeError(w, r, err)
		return
	}
	res, err := rt.auth.Login(req.Email, req.Password)
	if err != nil {
		rt.logger.Info("researcher login rejected")
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": res.Token, "expires_in": int(res.ExpiresIn.Seconds())})
}

// GET /api/admin/export?format=sessions|messages
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	res, err := rt.exports.ExportCSV(r.Context(), services.ExportParams{Format: r.URL.Query().Get("format")})
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	who, _ := middleware.ResearcherFromContext(r.Context())
	rt.logger.Info("export downloaded", "researcher", who, "file", res.Filename)
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

// GET /api/admin/summary
func (rt *Router) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := rt.analytics.Summary(r.Context())
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/admin/drafts/{handle}
func (rt *Router) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	drafts, err := rt.store.ListDrafts(r.Context(), r.PathValue("handle"))
	if err != nil {
		rt.writeError(w, r, services.NewStoreUnavailableError("list drafts", err))
		return
	}
	type draftOut struct {
		ID        string `json:"id"`
		Identity  string `json:"identity"`
		Text      string `json:"text"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]draftOut, 0, len(drafts))
	for _, d := range drafts {
		out = append(out, draftOut{ID: d.ID, Identity: d.Identity, Text: d.Text, CreatedAt: d.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")})
	}
	writeJSON(w, http.StatusOK, map[string]any{"handle": r.PathValue("handle"), "drafts": out})
}
