package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/ciengine/internal/api/middleware"
	"github.com/kiranshivaraju/ciengine/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	// Runner-facing.
	LeaseHandler          http.HandlerFunc
	AppendLogHandler      http.HandlerFunc
	ReportStatusHandler   http.HandlerFunc
	UploadArtifactHandler http.HandlerFunc

	// Runner or end user.
	GetJobHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	JobLogsHandler   http.HandlerFunc
	ListArtifacts    http.HandlerFunc

	// End user.
	TriggerHandler        http.HandlerFunc
	ListPipelines         http.HandlerFunc
	GetPipeline           http.HandlerFunc
	CancelPipelineHandler http.HandlerFunc
	PlayJobHandler        http.HandlerFunc
	StreamLogsHandler     http.HandlerFunc
	DownloadArtifact      http.HandlerFunc
	ListRunners           http.HandlerFunc
	UpdateRunner          http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Runner routes
	r.Route("/api/v1/runner", func(r chi.Router) {
		r.With(deps.Auth.RunnerOrRegister, deps.RateLimit.Limit).
			Post("/lease", orNotImplemented(deps.LeaseHandler))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Runner)
			r.Use(deps.RateLimit.Limit)

			r.Post("/jobs/{jobID}/logs", orNotImplemented(deps.AppendLogHandler))
			r.Post("/jobs/{jobID}/status", orNotImplemented(deps.ReportStatusHandler))
			r.Post("/jobs/{jobID}/artifacts", orNotImplemented(deps.UploadArtifactHandler))
		})
	})

	// Shared read routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Any)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))
		r.Get("/api/v1/jobs/{jobID}/logs", orNotImplemented(deps.JobLogsHandler))
		r.Get("/api/v1/jobs/{jobID}/artifacts", orNotImplemented(deps.ListArtifacts))
	})

	// End-user routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.User)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/pipelines", orNotImplemented(deps.TriggerHandler))
		r.Get("/api/v1/pipelines", orNotImplemented(deps.ListPipelines))
		r.Get("/api/v1/pipelines/{pipelineID}", orNotImplemented(deps.GetPipeline))
		r.Post("/api/v1/pipelines/{pipelineID}/cancel", orNotImplemented(deps.CancelPipelineHandler))

		r.Post("/api/v1/jobs/{jobID}/play", orNotImplemented(deps.PlayJobHandler))
		r.Get("/api/v1/jobs/{jobID}/logs/stream", orNotImplemented(deps.StreamLogsHandler))
		r.Get("/api/v1/artifacts/{artifactID}", orNotImplemented(deps.DownloadArtifact))

		r.Get("/api/v1/runners", orNotImplemented(deps.ListRunners))
		r.Patch("/api/v1/runners/{runnerID}", orNotImplemented(deps.UpdateRunner))
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
