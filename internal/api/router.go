// Package api assembles the HTTP surface of the intake service.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ctrls/intake/internal/admission"
	"github.com/ctrls/intake/internal/api/handlers"
	"github.com/ctrls/intake/internal/api/middleware"
	"github.com/ctrls/intake/internal/ledger"
	"github.com/ctrls/intake/internal/observability/metrics"
	"github.com/ctrls/intake/pkg/circuitbreaker"
)

const serviceName = "intake-api"

// Deps are the collaborators the router serves
type Deps struct {
	Admission   *admission.Service
	Ledger      ledger.Ledger
	DB          handlers.Pinger
	Queue       handlers.QueueHealth
	Breakers    func() []circuitbreaker.HealthStatus
	Gatherer    prometheus.Gatherer
	JWTSecret   string
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter builds the public, dashboard and operational routes
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(d.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	health := handlers.NewHealthHandler(serviceName, d.DB, d.Queue, d.Breakers)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Get("/health/breakers", health.Breakers)
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	// Public: patients fill forms without an account
	r.Mount("/forms", handlers.NewFormHandler(d.Admission, logger).Routes())

	r.Route("/submissions", func(r chi.Router) {
		r.Use(middleware.TenantAuth(d.JWTSecret, logger))
		r.Get("/", handlers.NewSubmissionHandler(d.Ledger, logger).List)
	})

	return r
}
