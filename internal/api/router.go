package api

import (
	"encoding/json"
	"net/http"

	"github.com/couchcryptid/pgwatch/internal/model"
	"github.com/couchcryptid/pgwatch/internal/observability"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusReporter is the slice of the connectivity manager the HTTP surface needs.
type StatusReporter interface {
	observability.ReadinessChecker
	Status() model.Status
}

// NewRouter mounts the operational endpoints. maxInFlight bounds concurrent
// requests so a slow database cannot pile up handlers.
func NewRouter(reporter StatusReporter, m *observability.Metrics, maxInFlight int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.AllowAll().Handler)
	r.Use(observability.MetricsMiddleware(m))
	r.Use(ConcurrencyLimit(maxInFlight))

	r.Get("/healthz", sharedobs.LivenessHandler())
	r.Get("/readyz", sharedobs.ReadinessHandler(reporter))
	r.Get("/status", statusHandler(reporter))
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func statusHandler(reporter StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reporter.Status())
	}
}

