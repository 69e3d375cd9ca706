// Package api assembles the HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	mw "github.com/kiranshivaraju/amrhunter/internal/api/middleware"
	"github.com/kiranshivaraju/amrhunter/internal/api/response"
	"github.com/kiranshivaraju/amrhunter/internal/store"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger    *zap.Logger
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateJob      http.HandlerFunc
	ListJobs       http.HandlerFunc
	GetJob         http.HandlerFunc
	DeleteJob      http.HandlerFunc
	TransitionJob  http.HandlerFunc
	UpdateProgress http.HandlerFunc
	JobHistory     http.HandlerFunc
	SetParameter   http.HandlerFunc
	RetryJob       http.HandlerFunc

	ListAnnotations   http.HandlerFunc
	GetAnnotation     http.HandlerFunc
	IngestAnnotations http.HandlerFunc
	ExportAnnotations http.HandlerFunc
	FeatureTypes      http.HandlerFunc
	Contigs           http.HandlerFunc

	ListFiles http.HandlerFunc
	GetFile   http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
	ClearCache       http.HandlerFunc
	Stats            http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger(deps.Logger))
	r.Use(mw.Recovery(deps.Logger))

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/jobs", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.ListJobs))
			r.With(deps.Auth.RequireScope(store.ScopeWrite)).Post("/", orNotImplemented(deps.CreateJob))

			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", orNotImplemented(deps.GetJob))
				r.Get("/history", orNotImplemented(deps.JobHistory))
				r.Get("/annotations", orNotImplemented(deps.ListAnnotations))
				r.Get("/annotations/export", orNotImplemented(deps.ExportAnnotations))
				r.Get("/annotations/{featureID}", orNotImplemented(deps.GetAnnotation))
				r.Get("/feature-types", orNotImplemented(deps.FeatureTypes))
				r.Get("/contigs", orNotImplemented(deps.Contigs))
				r.Get("/files", orNotImplemented(deps.ListFiles))
				r.Get("/files/{fileType}", orNotImplemented(deps.GetFile))

				r.Group(func(r chi.Router) {
					r.Use(deps.Auth.RequireScope(store.ScopeWrite))

					r.Delete("/", orNotImplemented(deps.DeleteJob))
					r.Post("/transitions", orNotImplemented(deps.TransitionJob))
					r.Post("/progress", orNotImplemented(deps.UpdateProgress))
					r.Put("/parameters/{name}", orNotImplemented(deps.SetParameter))
					r.Post("/retry", orNotImplemented(deps.RetryJob))
					r.Post("/annotations", orNotImplemented(deps.IngestAnnotations))
				})
			})
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(store.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			r.Post("/api/v1/admin/cache/clear", orNotImplemented(deps.ClearCache))
			r.Get("/api/v1/admin/stats", orNotImplemented(deps.Stats))
		})
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
