// Package breaker implements the circuit breaker that wraps queue backend
// calls. After a run of consecutive failures the breaker opens and publish
// attempts fail fast instead of hammering a broker that is already down.
// After the open timeout a single trial call is let through; its outcome
// either closes the breaker or reopens it with a doubled wait.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/stock-poller/internal/models"
)

// State enumerates the breaker states.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the lower-case state name used in logs and health reports.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// reopenCap bounds the exponential growth of the open timeout.
const reopenCap = 10

// Config controls breaker behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// OpenTimeout is the base wait before a trial call is allowed. Each
	// reopen doubles the wait, capped at OpenTimeout * reopenCap.
	OpenTimeout time.Duration
	// Now may be overridden in tests; defaults to time.Now.
	Now func() time.Time
	// OnStateChange, when set, is invoked outside the breaker lock after
	// every transition.
	OnStateChange func(from, to State)
}

// Breaker is safe for concurrent use; all state is guarded by one mutex so
// transitions are atomic across callers.
type Breaker struct {
	mu sync.Mutex

	threshold   int
	openTimeout time.Duration
	now         func() time.Time
	notify      func(from, to State)

	state       State
	consecutive int
	reopens     int
	openedAt    time.Time
	trialTaken  bool
}

// New constructs a breaker, validating its configuration.
func New(cfg Config) (*Breaker, error) {
	if cfg.FailureThreshold < 1 {
		return nil, models.WrapConfig(fmt.Errorf("breaker failure threshold must be >= 1, got %d", cfg.FailureThreshold))
	}
	if cfg.OpenTimeout <= 0 {
		return nil, models.WrapConfig(fmt.Errorf("breaker open timeout must be positive, got %s", cfg.OpenTimeout))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		threshold:   cfg.FailureThreshold,
		openTimeout: cfg.OpenTimeout,
		now:         now,
		notify:      cfg.OnStateChange,
		state:       StateClosed,
	}, nil
}

// Allow reports whether a call may proceed. While open it returns
// models.ErrBackendUnavailable without touching the network. When the open
// timeout has elapsed the caller is granted the single half-open trial slot
// and must report the outcome through Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.currentTimeout() {
			b.mu.Unlock()
			return models.ErrBackendUnavailable
		}
		from := b.state
		b.state = StateHalfOpen
		b.trialTaken = true
		b.mu.Unlock()
		b.emit(from, StateHalfOpen)
		return nil
	case StateHalfOpen:
		if b.trialTaken {
			b.mu.Unlock()
			return models.ErrBackendUnavailable
		}
		b.trialTaken = true
		b.mu.Unlock()
		return nil
	default:
		b.mu.Unlock()
		return errors.New("breaker in unknown state")
	}
}

// Record feeds the outcome of a call that Allow admitted. A nil error counts
// as success; context cancellations should not be recorded at all since they
// say nothing about backend health.
func (b *Breaker) Record(err error) {
	b.mu.Lock()

	if err == nil {
		from := b.state
		b.consecutive = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.reopens = 0
			b.trialTaken = false
			b.mu.Unlock()
			b.emit(from, StateClosed)
			return
		}
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateHalfOpen:
		from := b.state
		b.state = StateOpen
		b.reopens++
		b.openedAt = b.now()
		b.trialTaken = false
		b.mu.Unlock()
		b.emit(from, StateOpen)
	case StateClosed:
		b.consecutive++
		if b.consecutive >= b.threshold {
			from := b.state
			b.state = StateOpen
			b.reopens = 0
			b.openedAt = b.now()
			b.mu.Unlock()
			b.emit(from, StateOpen)
			return
		}
		b.mu.Unlock()
	default:
		b.mu.Unlock()
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) currentTimeout() time.Duration {
	timeout := b.openTimeout
	for i := 0; i < b.reopens; i++ {
		timeout *= 2
		if timeout >= b.openTimeout*reopenCap {
			return b.openTimeout * reopenCap
		}
	}
	return timeout
}

func (b *Breaker) emit(from, to State) {
	if b.notify != nil && from != to {
		b.notify(from, to)
	}
}
