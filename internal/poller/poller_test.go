package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/ratelimit"
)

// fakeSource scripts per-symbol fetch outcomes.
type fakeSource struct {
	mu      sync.Mutex
	errs    map[string]error
	fetched map[string]int
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, symbol string) (models.Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetched == nil {
		f.fetched = make(map[string]int)
	}
	f.fetched[symbol]++
	if err := f.errs[symbol]; err != nil {
		return models.Observation{}, err
	}
	return models.Observation{
		Symbol:     symbol,
		Fields:     map[string]any{"price": 101.5},
		CapturedAt: time.Date(2025, 10, 11, 9, 30, 0, 0, time.UTC),
		Source:     f.Name(),
	}, nil
}

func (f *fakeSource) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetched[symbol]
}

// fakeSubmitter captures enqueued envelopes.
type fakeSubmitter struct {
	mu   sync.Mutex
	envs []envelope.Envelope
}

func (f *fakeSubmitter) Enqueue(_ context.Context, env envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
	return nil
}

func (f *fakeSubmitter) all() []envelope.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]envelope.Envelope, len(f.envs))
	copy(out, f.envs)
	return out
}

// fakeReporter records health transitions.
type fakeReporter struct {
	mu       sync.Mutex
	degraded map[string]string
}

func (f *fakeReporter) ReportHealthy(component string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.degraded, component)
}

func (f *fakeReporter) ReportDegraded(component, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded == nil {
		f.degraded = make(map[string]string)
	}
	f.degraded[component] = reason
}

func (f *fakeReporter) reason(component string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.degraded[component]
	return reason, ok
}

func newTestPoller(t *testing.T, cfg Config, src *fakeSource, sub *fakeSubmitter, rep *fakeReporter) *Poller {
	t.Helper()
	limiter, err := ratelimit.New(1000, time.Second)
	if err != nil {
		t.Fatalf("unexpected limiter error: %v", err)
	}
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if len(cfg.Symbols) == 0 {
		cfg.Symbols = []string{"AAPL"}
	}
	p, err := New(cfg, Dependencies{
		Source:    src,
		Limiter:   limiter,
		Codec:     envelope.NewCodec(nil),
		Submitter: sub,
		Health:    rep,
	})
	if err != nil {
		t.Fatalf("unexpected poller error: %v", err)
	}
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestPollCycleEnqueuesObservations(t *testing.T) {
	src := &fakeSource{}
	sub := &fakeSubmitter{}
	p := newTestPoller(t, Config{Symbols: []string{"AAPL", "MSFT"}}, src, sub, &fakeReporter{})

	p.Start(context.Background())
	waitFor(t, time.Second, func() bool { return len(sub.all()) >= 2 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	envs := sub.all()
	seen := map[string]bool{}
	for _, env := range envs {
		seen[env.Symbol] = true
		if env.MessageID == "" {
			t.Fatalf("expected message id on enqueued envelope")
		}
		if env.Source != "fake" {
			t.Fatalf("unexpected source %q", env.Source)
		}
	}
	if !seen["AAPL"] || !seen["MSFT"] {
		t.Fatalf("expected both symbols enqueued, got %v", seen)
	}
	if p.Status() != StateIdle {
		t.Fatalf("expected idle state after stop, got %s", p.Status())
	}
}

func TestTransientFetchErrorDoesNotStopLoop(t *testing.T) {
	src := &fakeSource{errs: map[string]error{
		"AAPL": models.WrapTransient(errors.New("provider timeout")),
	}}
	sub := &fakeSubmitter{}
	p := newTestPoller(t, Config{
		Symbols:     []string{"AAPL", "MSFT"},
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}, src, sub, &fakeReporter{})

	p.Start(context.Background())
	waitFor(t, time.Second, func() bool {
		return src.count("AAPL") >= 2 && len(sub.all()) >= 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	for _, env := range sub.all() {
		if env.Symbol == "AAPL" {
			t.Fatalf("failing symbol must not produce envelopes")
		}
	}
}

func TestConsecutiveFailuresReportDegraded(t *testing.T) {
	src := &fakeSource{errs: map[string]error{
		"AAPL": models.WrapTransient(errors.New("provider timeout")),
	}}
	rep := &fakeReporter{}
	p := newTestPoller(t, Config{
		Symbols:                []string{"AAPL"},
		MaxConsecutiveFailures: 2,
		BaseBackoff:            time.Millisecond,
		MaxBackoff:             2 * time.Millisecond,
	}, src, &fakeSubmitter{}, rep)

	p.Start(context.Background())
	waitFor(t, time.Second, func() bool {
		_, degraded := rep.reason("poller")
		return degraded
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestFatalErrorHaltsOnlyTheAffectedSymbol(t *testing.T) {
	src := &fakeSource{errs: map[string]error{
		"AAPL": models.WrapFatal(errors.New("api key rejected")),
	}}
	sub := &fakeSubmitter{}
	rep := &fakeReporter{}
	p := newTestPoller(t, Config{Symbols: []string{"AAPL", "MSFT"}}, src, sub, rep)

	p.Start(context.Background())
	waitFor(t, time.Second, func() bool { return src.count("MSFT") >= 3 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	if got := src.count("AAPL"); got != 1 {
		t.Fatalf("expected halted symbol to be fetched once, got %d", got)
	}
	if _, degraded := rep.reason("poller"); !degraded {
		t.Fatalf("expected degraded report for halted symbol")
	}
	for _, env := range sub.all() {
		if env.Symbol == "AAPL" {
			t.Fatalf("halted symbol must not produce envelopes")
		}
	}
}

func TestNotFoundSkipsSymbolWithoutBackoff(t *testing.T) {
	src := &fakeSource{errs: map[string]error{
		"AAPL": models.ErrNotFound,
	}}
	sub := &fakeSubmitter{}
	p := newTestPoller(t, Config{Symbols: []string{"AAPL", "MSFT"}, BaseBackoff: time.Hour}, src, sub, &fakeReporter{})

	p.Start(context.Background())
	// A not-found symbol must not trigger the transient backoff; the other
	// symbol keeps producing envelopes.
	waitFor(t, time.Second, func() bool { return len(sub.all()) >= 2 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
}

func TestComputeBackoffStaysCappedDuringLongOutage(t *testing.T) {
	p := newTestPoller(t, Config{
		Symbols:     []string{"AAPL"},
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  60 * time.Second,
	}, &fakeSource{}, &fakeSubmitter{}, &fakeReporter{})

	// Jitter moves the capped value by at most 20% in either direction.
	lo, hi := 48*time.Second, 72*time.Second
	for _, failures := range []int{6, 33, 34, 64, 100} {
		got := p.computeBackoff(failures)
		if got <= 0 {
			t.Fatalf("failures=%d: backoff must stay positive, got %s", failures, got)
		}
		if got < lo || got > hi {
			t.Fatalf("failures=%d: expected capped backoff in [%s, %s], got %s", failures, lo, hi, got)
		}
	}

	// Below the cap the doubling shape still applies.
	small := p.computeBackoff(1)
	if small < 2*time.Second-400*time.Millisecond || small > 2*time.Second+400*time.Millisecond {
		t.Fatalf("expected first backoff near the base, got %s", small)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	limiter, err := ratelimit.New(1, time.Second)
	if err != nil {
		t.Fatalf("unexpected limiter error: %v", err)
	}
	deps := Dependencies{
		Source:    &fakeSource{},
		Limiter:   limiter,
		Codec:     envelope.NewCodec(nil),
		Submitter: &fakeSubmitter{},
	}

	if _, err := New(Config{Interval: 0, Symbols: []string{"AAPL"}}, deps); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for zero interval, got %v", err)
	}
	if _, err := New(Config{Interval: time.Second}, deps); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing symbols, got %v", err)
	}

	broken := deps
	broken.Source = nil
	if _, err := New(Config{Interval: time.Second, Symbols: []string{"AAPL"}}, broken); !errors.Is(err, models.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing source, got %v", err)
	}
}
