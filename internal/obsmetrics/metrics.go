// Package obsmetrics provides Prometheus instrumentation for the
// dispatcher plus a small HTTP server exposing /metrics and /healthz,
// mirroring the metrics server shape used elsewhere in the fleet for
// PostgreSQL-backed services.
package obsmetrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram the dispatcher emits. All
// fields are safe for concurrent use, as is everything promauto produces.
type Metrics struct {
	NotificationsReceived prometheus.Counter
	NotificationsDropped  prometheus.Counter
	ItemsProcessed        prometheus.Counter
	DriverErrors          prometheus.Counter
	ItemDuration          prometheus.Histogram
	QueueDepth            prometheus.GaugeFunc
	ActiveSessions        prometheus.Gauge
}

// New registers and returns a fresh set of metrics against reg. Passing a
// dedicated registry (rather than the global default) keeps repeated test
// construction from panicking on duplicate registration.
func New(reg prometheus.Registerer, queueDepth func() float64) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		NotificationsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdispatch_notifications_received_total",
			Help: "Notifications received from the task channel and enqueued.",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdispatch_notifications_dropped_total",
			Help: "Notifications dropped because the work queue was full.",
		}),
		ItemsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdispatch_items_processed_total",
			Help: "Work items successfully processed by a worker.",
		}),
		DriverErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdispatch_driver_errors_total",
			Help: "Fatal driver errors observed across all sessions.",
		}),
		ItemDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgdispatch_item_duration_seconds",
			Help:    "Duration of the per-item database operation.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pgdispatch_active_sessions",
			Help: "Number of currently open sessions (listener + workers).",
		}),
	}

	if queueDepth != nil {
		m.QueueDepth = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "pgdispatch_queue_depth",
			Help: "Current number of items buffered in the work queue.",
		}, queueDepth)
	}

	return m
}

// Server exposes /metrics and /healthz over HTTP.
type Server struct {
	http *http.Server
}

// NewServer builds a metrics server bound to addr, serving reg's metrics.
func NewServer(addr string, reg *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{http: &http.Server{Addr: addr, Handler: mux}}
}

// Start begins serving in the background. The returned channel receives
// exactly one value when serving ends: nil after Stop, or the serve error
// (such as a bind failure) otherwise. Reporting that error is left to the
// caller.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	return errCh
}

// Stop gracefully shuts the metrics server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
