package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/yassine700/bizscout/internal/api/middleware"
	"github.com/yassine700/bizscout/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger    *slog.Logger
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	SubmitHandler http.HandlerFunc
	StatusHandler http.HandlerFunc
	TasksHandler  http.HandlerFunc
	PauseHandler  http.HandlerFunc
	ResumeHandler http.HandlerFunc
	KillHandler   http.HandlerFunc
	StreamHandler http.HandlerFunc
	ExportHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery(deps.Logger))

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/", orNotImplemented(deps.SubmitHandler))
		})

		r.Get("/{jobID}", orNotImplemented(deps.StatusHandler))
		r.Get("/{jobID}/tasks", orNotImplemented(deps.TasksHandler))
		r.Post("/{jobID}/pause", orNotImplemented(deps.PauseHandler))
		r.Post("/{jobID}/resume", orNotImplemented(deps.ResumeHandler))
		r.Post("/{jobID}/kill", orNotImplemented(deps.KillHandler))
		r.Get("/{jobID}/events", orNotImplemented(deps.StreamHandler))
		r.Get("/{jobID}/export", orNotImplemented(deps.ExportHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
