// Package poller drives the scheduling loop: on every tick it fetches an
// observation per symbol through the rate limiter, encodes it and hands the
// envelope to the publisher asynchronously. Fetch failures back off with
// jitter and never crash the loop; polling services are expected to run
// forever and report degraded health instead of exiting.
package poller

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/deadletter"
	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/health"
	"github.com/example/stock-poller/internal/metrics"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/ratelimit"
	"github.com/example/stock-poller/internal/source"
)

// State enumerates the loop states, exposed for status reporting.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StatePublishing
	StateBackoff
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePublishing:
		return "publishing"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// healthComponent is the name the poller reports health transitions under.
const healthComponent = "poller"

// Submitter is the publisher-side hand-off; the poller never blocks its
// loop on delivery completion.
type Submitter interface {
	Enqueue(ctx context.Context, env envelope.Envelope) error
}

// Config holds poller configuration.
type Config struct {
	Interval               time.Duration
	Symbols                []string
	MaxConsecutiveFailures int
	BaseBackoff            time.Duration
	MaxBackoff             time.Duration
}

// Dependencies collects the poller's collaborators.
type Dependencies struct {
	Source     source.Source
	Limiter    *ratelimit.Limiter
	Codec      *envelope.Codec
	Submitter  Submitter
	Health     health.Reporter
	DeadLetter deadletter.Sink
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Poller periodically fetches observations and feeds the publisher.
type Poller struct {
	cfg        Config
	source     source.Source
	limiter    *ratelimit.Limiter
	codec      *envelope.Codec
	submitter  Submitter
	health     health.Reporter
	deadLetter deadletter.Sink
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	state atomic.Int32

	// consecutive and halted are touched only by the loop goroutine.
	consecutive int
	halted      map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New constructs a poller, validating configuration and dependencies.
func New(cfg Config, deps Dependencies) (*Poller, error) {
	if cfg.Interval <= 0 {
		return nil, models.WrapConfig(errors.New("poller: interval must be positive"))
	}
	if len(cfg.Symbols) == 0 {
		return nil, models.WrapConfig(errors.New("poller: at least one symbol is required"))
	}
	if deps.Source == nil {
		return nil, models.WrapConfig(errors.New("poller: source dependency is required"))
	}
	if deps.Limiter == nil {
		return nil, models.WrapConfig(errors.New("poller: rate limiter dependency is required"))
	}
	if deps.Codec == nil {
		return nil, models.WrapConfig(errors.New("poller: codec dependency is required"))
	}
	if deps.Submitter == nil {
		return nil, models.WrapConfig(errors.New("poller: submitter dependency is required"))
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "poller").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Poller{
		cfg:        cfg,
		source:     deps.Source,
		limiter:    deps.Limiter,
		codec:      deps.Codec,
		submitter:  deps.Submitter,
		health:     deps.Health,
		deadLetter: deps.DeadLetter,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        nowFunc,
		halted:     make(map[string]bool),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Start begins the scheduling loop.
func (p *Poller) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run()
	p.logger.Info().
		Dur("interval", p.cfg.Interval).
		Strs("symbols", p.cfg.Symbols).
		Str("source", p.source.Name()).
		Msg("poller started")
}

// Stop cancels the loop and waits for the current cycle to finish, bounded
// by the supplied context.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info().Msg("poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current loop state.
func (p *Poller) Status() State {
	return State(p.state.Load())
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	// Poll immediately on start rather than waiting a full interval.
	p.pollCycle()

	for {
		select {
		case <-p.ctx.Done():
			p.state.Store(int32(StateIdle))
			return
		case <-ticker.C:
			p.pollCycle()
		}
	}
}

// pollCycle fetches every non-halted symbol once.
func (p *Poller) pollCycle() {
	start := p.now()
	cycleID := uuid.NewString()
	log := p.logger.With().Str("cycle_id", cycleID).Logger()

	for _, symbol := range p.cfg.Symbols {
		if p.ctx.Err() != nil {
			return
		}
		if p.halted[symbol] {
			continue
		}
		p.pollSymbol(log, symbol)
	}

	p.state.Store(int32(StateIdle))
	if p.metrics != nil {
		p.metrics.PollCycles.WithLabelValues(p.source.Name()).Inc()
		p.metrics.PollDuration.WithLabelValues(p.source.Name()).Observe(p.now().Sub(start).Seconds())
	}
}

func (p *Poller) pollSymbol(log zerolog.Logger, symbol string) {
	p.state.Store(int32(StateFetching))

	if !p.limiter.TryAcquire() {
		log.Debug().Str("symbol", symbol).Msg("rate limit budget exhausted, waiting for refill")
		if err := p.limiter.Acquire(p.ctx); err != nil {
			return
		}
	}

	obs, err := p.source.Fetch(p.ctx, symbol)
	if err != nil {
		p.handleFetchError(log, symbol, err)
		return
	}

	p.consecutive = 0
	if p.health != nil {
		p.health.ReportHealthy(healthComponent)
	}

	p.state.Store(int32(StatePublishing))
	env, err := p.codec.Encode(obs)
	if err != nil {
		// Malformed observations are dead-lettered immediately; there is
		// nothing a retry could fix.
		log.Error().Err(err).Str("symbol", symbol).Msg("observation failed encoding")
		p.countError("encoding")
		p.recordEncodingFailure(obs, err)
		return
	}

	if err := p.submitter.Enqueue(p.ctx, env); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("hand-off to publisher aborted")
		return
	}
	log.Debug().Str("symbol", symbol).Str("message_id", env.MessageID).Msg("observation enqueued for publishing")
}

func (p *Poller) handleFetchError(log zerolog.Logger, symbol string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, models.ErrNotFound):
		log.Warn().Str("symbol", symbol).Msg("source has no data for symbol, skipping")
		p.countError("not_found")
	case errors.Is(err, models.ErrFatal):
		// Configuration-grade failure: stop polling this symbol but keep
		// the process and the other symbols alive.
		log.Error().Err(err).Str("symbol", symbol).Msg("fatal source error, halting symbol")
		p.halted[symbol] = true
		p.countError("fatal")
		if p.health != nil {
			p.health.ReportDegraded(healthComponent, "symbol "+symbol+" halted: "+err.Error())
		}
	default:
		p.consecutive++
		p.countError("transient")
		backoff := p.computeBackoff(p.consecutive)
		log.Warn().Err(err).
			Str("symbol", symbol).
			Int("consecutive_failures", p.consecutive).
			Dur("backoff", backoff).
			Msg("fetch failed, backing off")
		if p.cfg.MaxConsecutiveFailures > 0 && p.consecutive >= p.cfg.MaxConsecutiveFailures {
			if p.health != nil {
				p.health.ReportDegraded(healthComponent, "consecutive fetch failures: "+err.Error())
			}
		}
		p.state.Store(int32(StateBackoff))
		p.wait(backoff)
	}
}

func (p *Poller) recordEncodingFailure(obs models.Observation, cause error) {
	if p.deadLetter == nil {
		return
	}
	now := p.now()
	env := envelope.Envelope{
		MessageID:  envelope.MessageID(obs.Symbol, obs.Source, obs.CapturedAt),
		Symbol:     obs.Symbol,
		Source:     obs.Source,
		CapturedAt: obs.CapturedAt,
		ProducedAt: now,
	}
	p.deadLetter.Record(env, models.DeadLetterRecord{
		MessageID:     env.MessageID,
		Symbol:        obs.Symbol,
		Source:        obs.Source,
		Attempts:      0,
		FailureType:   models.FailureTypeEncoding,
		LastError:     cause.Error(),
		Reason:        "observation failed encoding",
		FirstFailedAt: now,
		LastAttemptAt: now,
	})
}

func (p *Poller) countError(kind string) {
	if p.metrics != nil {
		p.metrics.PollErrors.WithLabelValues(p.source.Name(), kind).Inc()
	}
}

// maxBackoffExponent bounds the doubling so the multiply cannot overflow
// the duration during a long outage; the failure count itself is unbounded.
const maxBackoffExponent = 30

// computeBackoff returns base * 2^(failures-1) capped at the maximum, with
// +/-20% jitter.
func (p *Poller) computeBackoff(failures int) time.Duration {
	if p.cfg.BaseBackoff <= 0 {
		return 0
	}
	exp := failures - 1
	if exp > maxBackoffExponent {
		exp = maxBackoffExponent
	}
	raw := time.Duration(float64(p.cfg.BaseBackoff) * math.Pow(2, float64(exp)))
	if raw <= 0 || (p.cfg.MaxBackoff > 0 && raw > p.cfg.MaxBackoff) {
		raw = p.cfg.MaxBackoff
	}
	jitter := raw / 5
	if jitter <= 0 {
		return raw
	}
	p.randMu.Lock()
	offset := time.Duration(p.rnd.Int63n(int64(2*jitter) + 1))
	p.randMu.Unlock()
	return raw - jitter + offset
}

func (p *Poller) wait(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.ctx.Done():
	case <-timer.C:
	}
}
