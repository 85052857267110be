// Package health tracks service liveness and readiness and serves the HTTP
// probes container orchestrators poll. Components report Healthy or
// Degraded transitions into a Tracker instance; state is per instance, not
// process global, so tests can run isolated trackers.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reporter is the interface components use to signal health transitions.
type Reporter interface {
	ReportHealthy(component string)
	ReportDegraded(component, reason string)
}

// Tracker aggregates component health into overall liveness and readiness.
type Tracker struct {
	logger zerolog.Logger

	mu       sync.Mutex
	ready    bool
	degraded map[string]string
}

// NewTracker constructs a Tracker. The service starts not ready and healthy.
func NewTracker(logger zerolog.Logger) *Tracker {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Tracker{
		logger:   logger,
		degraded: make(map[string]string),
	}
}

// SetReady marks startup as complete.
func (t *Tracker) SetReady() {
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	t.logger.Info().Msg("service marked ready")
}

// ReportHealthy clears a component's degraded state.
func (t *Tracker) ReportHealthy(component string) {
	t.mu.Lock()
	_, was := t.degraded[component]
	delete(t.degraded, component)
	t.mu.Unlock()
	if was {
		t.logger.Info().Str("component", component).Msg("component recovered")
	}
}

// ReportDegraded marks a component as degraded with a reason.
func (t *Tracker) ReportDegraded(component, reason string) {
	t.mu.Lock()
	t.degraded[component] = reason
	t.mu.Unlock()
	t.logger.Warn().Str("component", component).Str("reason", reason).Msg("component degraded")
}

// Ready reports whether startup has completed.
func (t *Tracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

// Healthy reports whether no component is currently degraded.
func (t *Tracker) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.degraded) == 0
}

// Snapshot returns the degraded components and their reasons.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.degraded))
	for k, v := range t.degraded {
		out[k] = v
	}
	return out
}

// Server exposes /health and /ready probes backed by a Tracker.
type Server struct {
	srv *http.Server
}

// NewServer builds the probe server bound to the given port.
func NewServer(tracker *Tracker, port int) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, tracker.Healthy(), map[string]any{
			"status":   statusWord(tracker.Healthy()),
			"degraded": tracker.Snapshot(),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, tracker.Ready(), map[string]any{
			"ready": tracker.Ready(),
		})
	})
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

func writeProbe(w http.ResponseWriter, ok bool, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(body)
}

func statusWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "degraded"
}
