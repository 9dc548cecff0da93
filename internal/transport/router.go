package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Engine *workflow.Engine
	Logger *zap.Logger

	// Optional. Nil disables the feature.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration
	Metrics        *observability.Metrics
	Gatherer       prometheus.Gatherer
	MetricsPath    string
	HandlerTimeout time.Duration

	Readiness []observability.ReadinessCheck
	Started   time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// subject middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)

	var replays replayCounter
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
		replays = deps.Metrics
	}

	// Public routes.
	started := deps.Started
	if started.IsZero() {
		started = time.Now()
	}
	r.Get("/healthz", observability.HandleHealth(started))
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	idem := func(operation string, h http.HandlerFunc) http.HandlerFunc {
		return Idempotent(deps.Idempotency, operation, deps.IdempotencyTTL, replays, h)
	}
	e := deps.Engine

	// Caller-facing routes.
	r.Group(func(r chi.Router) {
		r.Use(SubjectContext)
		r.Use(LimitBody(maxBodyBytes))
		r.Use(HandlerTimeout(deps.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", handleListRequests(e))
			r.Post("/", idem("create_request", handleCreateRequest(e)))

			r.Route("/{requestID}", func(r chi.Router) {
				r.Get("/", handleGetRequest(e))
				r.Post("/submit", handleSubmitRequest(e))
				r.Post("/cancel", handleCancelRequest(e))
				r.Post("/resubmit", idem("resubmit_request", handleResubmitRequest(e)))
				r.Get("/lineage", handleLineage(e))
				r.Get("/approvals", handleListApprovals(e))
				r.Get("/comments", handleThread(e))
				r.Post("/comments", idem("add_comment", handleAddComment(e)))
				r.Get("/steps/{stepID}/ready", handleStepReady(e))
			})
		})

		r.Post("/approvals/{recordID}/approve", handleApprove(e))
		r.Post("/approvals/{recordID}/reject", handleReject(e))
		r.Post("/dependencies/{dependencyID}/conditions", handleAttachCondition(e))
	})

	return r
}
