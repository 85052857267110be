// Package publisher owns the delivery guarantees of the pipeline: every
// envelope submitted here either reaches the queue backend with a positive
// acknowledgment or lands in the dead-letter sink. Retries use exponential
// backoff with jitter, at most one publish is in flight per message ID, and
// a hashed worker pool keeps same-symbol envelopes in capture order.
package publisher

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/stock-poller/internal/breaker"
	"github.com/example/stock-poller/internal/deadletter"
	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/metrics"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/queue"
)

// DeliveryResult reports the terminal outcome for one envelope.
type DeliveryResult struct {
	MessageID    string
	Attempts     int
	DeadLettered bool
	Err          error
}

// Config contains the runtime settings the publisher relies on.
type Config struct {
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	WorkerConcurrency int
	// QueueDepth is the per-worker buffer; defaults to 64.
	QueueDepth int
}

// Dependencies collects the publisher's collaborators.
type Dependencies struct {
	Backend    queue.Backend
	Breaker    *breaker.Breaker
	DeadLetter deadletter.Sink
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
	Now        func() time.Time
}

// inflightEntry lets concurrent submits for the same message ID coalesce
// onto one delivery attempt.
type inflightEntry struct {
	done   chan struct{}
	result DeliveryResult
}

// Publisher orchestrates encoding-agnostic delivery to the active backend.
type Publisher struct {
	cfg        Config
	backend    queue.Backend
	breaker    *breaker.Breaker
	deadLetter deadletter.Sink
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	sem *semaphore.Weighted

	inflightMu sync.Mutex
	inflight   map[string]*inflightEntry

	workers []chan envelope.Envelope
	wg      sync.WaitGroup

	randMu sync.Mutex
	rnd    *rand.Rand
}

// New constructs a publisher, validating configuration and dependencies.
func New(cfg Config, deps Dependencies) (*Publisher, error) {
	if cfg.MaxAttempts < 1 {
		return nil, models.WrapConfig(errors.New("publisher: max attempts must be >= 1"))
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, models.WrapConfig(errors.New("publisher: worker concurrency must be >= 1"))
	}
	if deps.Backend == nil {
		return nil, models.WrapConfig(errors.New("publisher: backend dependency is required"))
	}
	if deps.Breaker == nil {
		return nil, models.WrapConfig(errors.New("publisher: breaker dependency is required"))
	}
	if deps.DeadLetter == nil {
		return nil, models.WrapConfig(errors.New("publisher: dead-letter sink dependency is required"))
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "publisher").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 64
	}
	workers := make([]chan envelope.Envelope, cfg.WorkerConcurrency)
	for i := range workers {
		workers[i] = make(chan envelope.Envelope, depth)
	}

	return &Publisher{
		cfg:        cfg,
		backend:    deps.Backend,
		breaker:    deps.Breaker,
		deadLetter: deps.DeadLetter,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        nowFunc,
		sem:        semaphore.NewWeighted(int64(cfg.WorkerConcurrency)),
		inflight:   make(map[string]*inflightEntry),
		workers:    workers,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Start launches the worker pool. The context governs in-flight deliveries:
// cancel it only once the shutdown grace period has expired.
func (p *Publisher) Start(ctx context.Context) {
	for i := range p.workers {
		p.wg.Add(1)
		go p.runWorker(ctx, p.workers[i])
	}
}

// Stop closes the worker queues and waits for buffered envelopes to finish
// delivery. Callers bound the wait through the Start context.
func (p *Publisher) Stop() {
	for i := range p.workers {
		close(p.workers[i])
	}
	p.wg.Wait()
}

// Enqueue hands an envelope to the worker pool without blocking the caller
// on delivery. Same-symbol envelopes always hash to the same worker, which
// preserves capture order per symbol; enqueueing blocks only when that
// worker's buffer is full.
func (p *Publisher) Enqueue(ctx context.Context, env envelope.Envelope) error {
	idx := symbolWorker(env.Symbol, len(p.workers))
	select {
	case p.workers[idx] <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) runWorker(ctx context.Context, ch <-chan envelope.Envelope) {
	defer p.wg.Done()
	for env := range ch {
		p.Submit(ctx, env)
	}
}

// Submit delivers one envelope synchronously, retrying per policy. A second
// Submit for a message ID already in flight does not start another publish;
// it waits for the first delivery and returns its result.
func (p *Publisher) Submit(ctx context.Context, env envelope.Envelope) DeliveryResult {
	p.inflightMu.Lock()
	if existing, ok := p.inflight[env.MessageID]; ok {
		p.inflightMu.Unlock()
		select {
		case <-existing.done:
			return existing.result
		case <-ctx.Done():
			return DeliveryResult{MessageID: env.MessageID, Err: ctx.Err()}
		}
	}
	entry := &inflightEntry{done: make(chan struct{})}
	p.inflight[env.MessageID] = entry
	p.inflightMu.Unlock()

	result := p.deliver(ctx, env)

	entry.result = result
	p.inflightMu.Lock()
	delete(p.inflight, env.MessageID)
	p.inflightMu.Unlock()
	close(entry.done)

	return result
}

func (p *Publisher) deliver(ctx context.Context, env envelope.Envelope) DeliveryResult {
	log := p.logger.With().
		Str("message_id", env.MessageID).
		Str("symbol", env.Symbol).
		Logger()

	var lastErr error
	firstFailedAt := time.Time{}

	for attempt := 1; ; attempt++ {
		err := p.attempt(ctx, env)

		if err == nil {
			log.Debug().Int("attempt", attempt).Msg("envelope published")
			return DeliveryResult{MessageID: env.MessageID, Attempts: attempt}
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Shutdown or deadline: the envelope has not been acked, so
			// it must still be accounted for in the dead-letter sink.
			p.routeDeadLetter(env, attempt, err, firstFailedAt, models.FailureTypeUnknown, "delivery abandoned on cancellation")
			return DeliveryResult{MessageID: env.MessageID, Attempts: attempt, DeadLettered: true, Err: err}
		}

		if firstFailedAt.IsZero() {
			firstFailedAt = p.now()
		}
		lastErr = err

		if errors.Is(err, models.ErrEncoding) {
			log.Warn().Err(err).Msg("envelope rejected by backend as unencodable")
			p.routeDeadLetter(env, attempt, err, firstFailedAt, models.FailureTypeEncoding, "message can never be accepted by backend")
			return DeliveryResult{MessageID: env.MessageID, Attempts: attempt, DeadLettered: true, Err: err}
		}

		if attempt >= p.cfg.MaxAttempts {
			log.Error().Err(err).Int("attempts", attempt).Msg("retry budget exhausted, dead-lettering envelope")
			p.routeDeadLetter(env, attempt, lastErr, firstFailedAt, failureType(lastErr), "retry budget exhausted")
			return DeliveryResult{MessageID: env.MessageID, Attempts: attempt, DeadLettered: true, Err: lastErr}
		}

		backoff := p.computeBackoff(attempt)
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", backoff).Msg("publish failed, scheduling retry")
		if !p.wait(ctx, backoff) {
			p.routeDeadLetter(env, attempt, ctx.Err(), firstFailedAt, models.FailureTypeUnknown, "delivery abandoned on cancellation")
			return DeliveryResult{MessageID: env.MessageID, Attempts: attempt, DeadLettered: true, Err: ctx.Err()}
		}
	}
}

// attempt performs one publish try behind the circuit breaker and the
// concurrency semaphore. Context errors pass through unclassified.
func (p *Publisher) attempt(ctx context.Context, env envelope.Envelope) error {
	if err := p.breaker.Allow(); err != nil {
		p.observe("breaker_open", 0)
		return err
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	start := p.now()
	err := p.backend.Publish(ctx, env)
	elapsed := p.now().Sub(start)
	p.sem.Release(1)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Says nothing about backend health; do not feed the breaker.
		return err
	}

	p.breaker.Record(err)
	if err != nil {
		p.observe("failure", elapsed)
		return err
	}
	p.observe("success", elapsed)
	return nil
}

func (p *Publisher) routeDeadLetter(env envelope.Envelope, attempts int, cause error, firstFailedAt time.Time, ftype, reason string) {
	now := p.now()
	if firstFailedAt.IsZero() {
		firstFailedAt = now
	}
	rec := models.DeadLetterRecord{
		MessageID:     env.MessageID,
		Symbol:        env.Symbol,
		Source:        env.Source,
		Payload:       env.Payload,
		Attempts:      attempts,
		FailureType:   ftype,
		Reason:        reason,
		FirstFailedAt: firstFailedAt,
		LastAttemptAt: now,
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	p.deadLetter.Record(env, rec)
	if p.metrics != nil {
		p.metrics.DeadLetters.WithLabelValues(ftype).Inc()
	}
}

func (p *Publisher) observe(status string, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishTotal.WithLabelValues(p.backend.Name(), status).Inc()
	if elapsed > 0 {
		p.metrics.PublishLatency.WithLabelValues(p.backend.Name(), status).Observe(elapsed.Seconds())
	}
}

// maxBackoffExponent bounds the doubling so the multiply cannot overflow
// the duration regardless of the configured attempt budget.
const maxBackoffExponent = 30

// computeBackoff returns base * 2^(attempt-1) capped at the maximum, with
// +/-20% jitter so concurrent retries spread out.
func (p *Publisher) computeBackoff(attempt int) time.Duration {
	if p.cfg.BaseBackoff <= 0 {
		return 0
	}

	exp := attempt - 1
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

func (p *Publisher) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func failureType(err error) string {
	switch {
	case errors.Is(err, models.ErrTransient):
		return models.FailureTypeTransient
	case errors.Is(err, models.ErrConnection), errors.Is(err, models.ErrBackendUnavailable):
		return models.FailureTypeBackend
	case errors.Is(err, models.ErrEncoding):
		return models.FailureTypeEncoding
	default:
		return models.FailureTypeUnknown
	}
}

func symbolWorker(symbol string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}
