package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/example/stock-poller/internal/models"
)

// testClock lets tests advance breaker time manually.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(t *testing.T, threshold int, timeout time.Duration, clock *testClock) *Breaker {
	t.Helper()
	b, err := New(Config{
		FailureThreshold: threshold,
		OpenTimeout:      timeout,
		Now:              clock.Now,
	})
	if err != nil {
		t.Fatalf("unexpected error constructing breaker: %v", err)
	}
	return b
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{FailureThreshold: 0, OpenTimeout: time.Second}); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for zero threshold, got %v", err)
	}
	if _, err := New(Config{FailureThreshold: 1, OpenTimeout: 0}); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for zero timeout, got %v", err)
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	b := newTestBreaker(t, 3, 30*time.Second, clock)
	boom := errors.New("broker down")

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("expected closed breaker to allow call %d: %v", i+1, err)
		}
		b.Record(boom)
		if b.State() != StateClosed {
			t.Fatalf("expected breaker to stay closed below threshold")
		}
	}

	if err := b.Allow(); err != nil {
		t.Fatalf("unexpected allow error: %v", err)
	}
	b.Record(boom)
	if b.State() != StateOpen {
		t.Fatalf("expected breaker to open at threshold, state %s", b.State())
	}

	if err := b.Allow(); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected fail-fast while open, got %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	b := newTestBreaker(t, 2, time.Second, clock)
	boom := errors.New("broker down")

	b.Record(boom)
	b.Record(nil)
	b.Record(boom)
	if b.State() != StateClosed {
		t.Fatalf("expected success to reset the consecutive failure count")
	}
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	b := newTestBreaker(t, 1, 30*time.Second, clock)

	b.Record(errors.New("broker down"))
	if b.State() != StateOpen {
		t.Fatalf("expected open breaker")
	}

	clock.Advance(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial call after timeout: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open state, got %s", b.State())
	}

	// Only one trial call may proceed while half-open.
	if err := b.Allow(); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected second caller to be rejected while trial in flight, got %v", err)
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Fatalf("expected success to close the breaker, got %s", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected closed breaker to allow calls: %v", err)
	}
}

func TestReopenDoublesTimeout(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	b := newTestBreaker(t, 1, 10*time.Second, clock)
	boom := errors.New("broker down")

	b.Record(boom)

	// First reopen: trial fails, wait doubles to 20s.
	clock.Advance(11 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial after base timeout: %v", err)
	}
	b.Record(boom)
	if b.State() != StateOpen {
		t.Fatalf("expected failed trial to reopen the breaker")
	}

	clock.Advance(11 * time.Second)
	if err := b.Allow(); !errors.Is(err, models.ErrBackendUnavailable) {
		t.Fatalf("expected doubled timeout to still reject, got %v", err)
	}
	clock.Advance(10 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial after doubled timeout: %v", err)
	}

	b.Record(nil)
	if b.State() != StateClosed {
		t.Fatalf("expected recovery to close the breaker")
	}
}

func TestOnStateChangeNotifications(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	var transitions []string
	b, err := New(Config{
		FailureThreshold: 1,
		OpenTimeout:      time.Second,
		Now:              clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b.Record(errors.New("broker down"))
	clock.Advance(2 * time.Second)
	_ = b.Allow()
	b.Record(nil)

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}
