package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_build_info",
			Help: "Build information of the chat relay",
		},
		[]string{"version", "commit", "date"},
	)

	SourceConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_source_connected",
			Help: "Whether the change source connection is established (1) or not (0)",
		},
	)

	BatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_batches_total",
			Help: "Total number of update batches materialized",
		},
	)

	RowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_rows_total",
			Help: "Total number of inserted rows materialized",
		},
		[]string{"table"},
	)

	DecodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_decode_errors_total",
			Help: "Total number of source messages with rows that failed to decode",
		},
		[]string{"source"},
	)

	ResolutionMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_resolution_misses_total",
			Help: "Total number of reference lookups that found no cached name",
		},
		[]string{"table", "outcome"},
	)

	MaterializePanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_materialize_panics_total",
			Help: "Total number of ticks whose materialization panicked",
		},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_notifications_total",
			Help: "Total number of notifications produced",
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_queue_depth",
			Help: "Number of notifications waiting for the sink",
		},
	)

	QueueDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_queue_dropped_total",
			Help: "Total number of notifications dropped or refused by the queue",
		},
		[]string{"reason"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of delivery attempts",
		},
		[]string{"sink", "status"},
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_delivery_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"sink"},
	)

	PipelineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_pipeline_state",
			Help: "Current shutdown coordinator state (1 for the active state)",
		},
		[]string{"state"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of ops HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "Duration of ops HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
