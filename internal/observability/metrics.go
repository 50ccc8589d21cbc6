package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pgwatch"

// ReadinessChecker reports whether a dependency is ready to serve traffic.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Metrics holds all Prometheus collectors for the application.
type Metrics struct {
	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Connectivity
	DBConnected         prometheus.Gauge
	DBStateTransitions  *prometheus.CounterVec
	DBHealthChecks      *prometheus.CounterVec
	DBReconnectAttempts *prometheus.CounterVec
	DBListenerPanics    prometheus.Counter
	DBQueryDuration     *prometheus.HistogramVec
	DBPoolConnections   *prometheus.GaugeVec

	// Kafka
	KafkaEventsPublished prometheus.Counter
	KafkaPublishErrors   prometheus.Counter
	KafkaEventsDropped   prometheus.Counter
}

// NewMetrics creates and registers all application metrics with the default registry.
func NewMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer))
}

// NewTestMetrics creates metrics backed by a throw-away registry.
// Safe to call from multiple tests without duplicate-registration panics.
func NewTestMetrics() *Metrics {
	return newMetrics(promauto.With(prometheus.NewRegistry()))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests processed.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path"}),

		DBConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connected",
			Help:      "Whether the database is currently reachable (1) or not (0).",
		}),

		DBStateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_state_transitions_total",
			Help:      "Connectivity state transitions, by new state.",
		}, []string{"state"}),

		DBHealthChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_health_checks_total",
			Help:      "Periodic liveness probes, by result.",
		}, []string{"result"}),

		DBReconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_reconnect_attempts_total",
			Help:      "Scheduled reconnection attempts, by result.",
		}, []string{"result"}),

		DBListenerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_listener_panics_total",
			Help:      "Connectivity listeners that panicked during notification.",
		}),

		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds, by outcome.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"outcome"}),

		DBPoolConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_pool_connections",
			Help:      "Database connection pool statistics.",
		}, []string{"state"}),

		KafkaEventsPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_events_published_total",
			Help:      "Connectivity events written to Kafka.",
		}),

		KafkaPublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Failed Kafka writes of connectivity events.",
		}),

		KafkaEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_events_dropped_total",
			Help:      "Connectivity events dropped because the publish queue was full.",
		}),
	}
}
