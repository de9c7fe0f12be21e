// Package statusapi exposes connection status, diagnostics and a manual
// reconnect over HTTP for operators.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	supabase "github.com/luckydraw/supabase-link"
	"github.com/luckydraw/supabase-link/config"
	"github.com/luckydraw/supabase-link/diagnostics"
)

// Supervisor is the part of the connection supervisor the API needs.
type Supervisor interface {
	Status() supabase.Status
	ForceReconnect(ctx context.Context) error
}

// Diagnostics runs and caches diagnostic reports.
type Diagnostics interface {
	Run(ctx context.Context) diagnostics.Report
	Latest() (diagnostics.Report, bool)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Supervisor  Supervisor
	Diagnostics Diagnostics
	Config      config.Status
	Logger      *zap.Logger
}

type statusResponse struct {
	Connection supabase.Status `json:"connection"`
	Config     config.Status   `json:"config"`
}

type errorResponse struct {
	Error  string          `json:"error"`
	Status supabase.Status `json:"status"`
}

// SetupRoutes builds the router.
func SetupRoutes(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(LoggingMiddleware(deps.Logger))
	r.Get("/status", h.status)
	r.Get("/diagnostics", h.diagnostics)
	r.Post("/reconnect", h.reconnect)
	return r
}

type handlers struct {
	deps Deps
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connection: h.deps.Supervisor.Status(),
		Config:     h.deps.Config,
	})
}

// diagnostics serves the cached report, running the battery when none exists
// or when ?refresh=1 is given. Unhealthy reports are served with 503.
func (h *handlers) diagnostics(w http.ResponseWriter, r *http.Request) {
	report, ok := h.deps.Diagnostics.Latest()
	if !ok || r.URL.Query().Get("refresh") == "1" {
		report = h.deps.Diagnostics.Run(r.Context())
	}
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, report)
}

func (h *handlers) reconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Supervisor.ForceReconnect(r.Context()); err != nil {
		loggerFrom(r.Context(), h.deps.Logger).Warn("manual reconnect failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Status: h.deps.Supervisor.Status()})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Supervisor.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
