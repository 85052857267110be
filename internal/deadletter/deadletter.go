// Package deadletter provides the sink that receives envelopes after they
// exhaust the retry budget or fail encoding. Recording never fails the
// caller: the queue-backed sink buffers locally and flushes in the
// background, and anything it cannot deliver is written to the log so no
// envelope is ever silently dropped.
package deadletter

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/queue"
)

// Sink records envelopes that left the delivery pipeline without a broker
// acknowledgment.
type Sink interface {
	Record(env envelope.Envelope, rec models.DeadLetterRecord)
}

// LogSink writes dead-letter records to the structured log. It is the
// fallback when no dead-letter queue destination is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(env envelope.Envelope, rec models.DeadLetterRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error().
			Str("message_id", rec.MessageID).
			Str("failure_type", rec.FailureType).
			Msg("dead-letter record could not be marshalled")
		return
	}
	s.logger.Error().
		Str("message_id", rec.MessageID).
		Str("symbol", rec.Symbol).
		Str("failure_type", rec.FailureType).
		RawJSON("record", payload).
		Msg("envelope dead-lettered")
}

// BatchBackend is implemented by backends that support batched publishes;
// the queue sink uses it to flush several records in one round trip.
type BatchBackend interface {
	PublishBatch(ctx context.Context, envs []envelope.Envelope) error
}

// flushBatchSize caps one flush round; matches the SQS batch entry limit.
const flushBatchSize = 10

// QueueSink publishes dead-letter records to a queue destination through a
// bounded local buffer and a background flush loop. When the buffer is full
// or delivery fails, records fall through to the log so they are never lost
// silently.
type QueueSink struct {
	backend  queue.Backend
	fallback *LogSink
	logger   zerolog.Logger

	buffer chan entry

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

type entry struct {
	env envelope.Envelope
	rec models.DeadLetterRecord
}

// NewQueueSink constructs a queue-backed sink with the given buffer depth.
func NewQueueSink(backend queue.Backend, bufferSize int, logger zerolog.Logger) *QueueSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &QueueSink{
		backend:  backend,
		fallback: NewLogSink(logger),
		logger:   logger,
		buffer:   make(chan entry, bufferSize),
		done:     make(chan struct{}),
	}
}

// Start launches the background flush loop.
func (s *QueueSink) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.flushLoop()
	})
}

// Record implements Sink. It never blocks the caller: when the buffer is
// full the record goes straight to the log fallback.
func (s *QueueSink) Record(env envelope.Envelope, rec models.DeadLetterRecord) {
	select {
	case s.buffer <- entry{env: env, rec: rec}:
	default:
		s.logger.Warn().
			Str("message_id", rec.MessageID).
			Msg("dead-letter buffer full, falling back to log")
		s.fallback.Record(env, rec)
	}
}

// Close drains whatever is buffered and stops the flush loop.
func (s *QueueSink) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *QueueSink) flushLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			s.drain()
			return
		case first := <-s.buffer:
			batch := s.collect(first)
			s.flush(batch)
		}
	}
}

// collect pulls whatever else is already buffered, up to the batch size.
func (s *QueueSink) collect(first entry) []entry {
	batch := []entry{first}
	for len(batch) < flushBatchSize {
		select {
		case e := <-s.buffer:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (s *QueueSink) drain() {
	for {
		select {
		case e := <-s.buffer:
			s.flush([]entry{e})
		default:
			return
		}
	}
}

func (s *QueueSink) flush(batch []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	envs := make([]envelope.Envelope, 0, len(batch))
	kept := make([]entry, 0, len(batch))
	for i := range batch {
		env, ok := s.dlqEnvelope(batch[i])
		if !ok {
			continue
		}
		envs = append(envs, env)
		kept = append(kept, batch[i])
	}
	if len(envs) == 0 {
		return
	}

	if batcher, ok := s.backend.(BatchBackend); ok && len(envs) > 1 {
		if err := batcher.PublishBatch(ctx, envs); err == nil {
			return
		}
		// Fall through to per-record publish so one bad entry cannot
		// discard the whole batch.
	}

	for i, env := range envs {
		if err := s.backend.Publish(ctx, env); err != nil {
			s.logger.Error().Err(err).
				Str("message_id", env.MessageID).
				Msg("dead-letter publish failed, falling back to log")
			s.fallback.Record(env, kept[i].rec)
		}
	}
}

// dlqEnvelope wraps the dead-letter record in an envelope addressed to the
// dead-letter destination, reusing the original message ID so operators can
// correlate it with the failed delivery.
func (s *QueueSink) dlqEnvelope(e entry) (envelope.Envelope, bool) {
	payload, err := json.Marshal(e.rec)
	if err != nil {
		s.fallback.Record(e.env, e.rec)
		return envelope.Envelope{}, false
	}
	return envelope.Envelope{
		MessageID:     e.env.MessageID,
		SchemaVersion: e.env.SchemaVersion,
		Symbol:        e.env.Symbol,
		Source:        e.env.Source,
		CapturedAt:    e.env.CapturedAt,
		ProducedAt:    time.Now().UTC(),
		Payload:       payload,
	}, true
}
