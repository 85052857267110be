// Package metrics defines the Prometheus collectors for polling and
// publishing, plus the scrape server. Collectors live on an instance-owned
// registry rather than the global one so tests can run independent
// instances side by side.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the pipeline reports into.
type Metrics struct {
	registry *prometheus.Registry

	PollCycles   *prometheus.CounterVec
	PollErrors   *prometheus.CounterVec
	PollDuration *prometheus.HistogramVec

	PublishTotal   *prometheus.CounterVec
	PublishLatency *prometheus.HistogramVec

	DeadLetters  *prometheus.CounterVec
	BreakerState prometheus.Gauge
}

// New constructs a Metrics instance with its own registry, including the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_cycles_total",
			Help: "Total number of polling cycles by source.",
		}, []string{"source"}),
		PollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "poll_errors_total",
			Help: "Total number of poll errors by source and kind.",
		}, []string{"source", "kind"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "poll_duration_seconds",
			Help:    "Duration of polling cycles by source.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		PublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_publish_total",
			Help: "Total number of publish attempts by backend and status.",
		}, []string{"queue_type", "status"}),
		PublishLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_publish_latency_seconds",
			Help:    "Latency of publish attempts by backend and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue_type", "status"}),
		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dead_letters_total",
			Help: "Total number of envelopes routed to the dead-letter sink by reason.",
		}, []string{"reason"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PollCycles,
		m.PollErrors,
		m.PollDuration,
		m.PublishTotal,
		m.PublishLatency,
		m.DeadLetters,
		m.BreakerState,
	)

	return m
}

// Handler returns the scrape handler for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server exposes the scrape endpoint on its own port.
type Server struct {
	srv *http.Server
}

// NewServer builds a metrics server bound to the given port.
func NewServer(m *Metrics, port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Shutdown; it returns only on listener failure.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, honouring the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
