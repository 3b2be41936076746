package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/qualitrace/internal/batch"
	"github.com/pitabwire/qualitrace/internal/config"
	"github.com/pitabwire/qualitrace/internal/location"
	"github.com/pitabwire/qualitrace/internal/observability"
	"github.com/pitabwire/qualitrace/internal/session"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Sessions  *session.Manager
	Tokens    *TokenIssuer
	Batches   batch.Directory
	Readiness observability.ReadinessChecks

	// Location is the server-side location provider. When nil the handler
	// uses the position reported by the client.
	Location location.Provider

	// MetricsHandler serves the metrics endpoint. Defaults to the global
	// Prometheus registry.
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, batch listing and login
// bypass session authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Config.Observability.Tracing.Enabled {
		r.Use(observability.TracingMiddleware)
	}
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		mh := deps.MetricsHandler
		if mh == nil {
			mh = observability.Handler()
		}
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, mh)
	}

	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Get("/testing/batches", handleListBatches(deps.Batches))
		r.Post("/testing/sessions", handleLogin(deps.Sessions, deps.Tokens))
	})

	r.Group(func(r chi.Router) {
		r.Use(SessionAuthenticator(deps.Tokens))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Get("/testing/session", handleGetSession(deps.Sessions))
		r.Delete("/testing/session", handleLogout(deps.Sessions))
		r.Post("/testing/session/steps", handleAddStep(deps.Sessions))
		r.Patch("/testing/session/steps/{stepId}", handleUpdateStep(deps.Sessions))
		r.Delete("/testing/session/steps/{stepId}", handleRemoveStep(deps.Sessions))
		r.Put("/testing/session/steps/{stepId}/results", handleRecordResult(deps.Sessions))
		r.Delete("/testing/session/steps/{stepId}/results/{name}", handleRemoveResult(deps.Sessions))
		r.Post("/testing/session/location", handleCaptureLocation(deps.Sessions, deps.Location))
		r.Post("/testing/session/complete", handleCompleteStep(deps.Sessions))
	})

	return r
}
