// Package kafka implements the Kafka queue backend on top of Sarama. The
// producer is configured idempotent with acks from all in-sync replicas, so
// a nil Publish return means the cluster has durably accepted the message.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/config"
	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/queue"
)

const metadataRefreshInterval = 30 * time.Second

// Backend publishes envelopes to a Kafka topic. Envelopes are keyed by
// symbol so same-symbol messages land on one partition in capture order.
type Backend struct {
	cfg    config.KafkaConfig
	logger zerolog.Logger

	mu       sync.Mutex
	client   sarama.Client
	producer sarama.SyncProducer
}

// New constructs an unconnected Kafka backend.
func New(cfg config.KafkaConfig, logger zerolog.Logger) (*Backend, error) {
	if len(cfg.Brokers) == 0 {
		return nil, models.WrapConfig(errors.New("kafka backend: at least one broker is required"))
	}
	if cfg.Topic == "" {
		return nil, models.WrapConfig(errors.New("kafka backend: topic is required"))
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Backend{cfg: cfg, logger: logger}, nil
}

// Name implements queue.Backend.
func (b *Backend) Name() string { return "kafka" }

// Connect creates the Sarama client and sync producer.
func (b *Backend) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.producer != nil {
		return nil
	}

	client, err := sarama.NewClient(b.cfg.Brokers, saramaConfig())
	if err != nil {
		return models.WrapConnection(fmt.Errorf("kafka backend: create client: %v", err))
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return models.WrapConnection(fmt.Errorf("kafka backend: create producer: %v", err))
	}

	b.client = client
	b.producer = producer
	b.logger.Info().Strs("brokers", b.cfg.Brokers).Str("topic", b.cfg.Topic).Msg("kafka backend connected")
	return nil
}

// Publish sends one envelope and waits for the broker acknowledgment.
func (b *Backend) Publish(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	producer := b.producer
	b.mu.Unlock()
	if producer == nil {
		return models.WrapConnection(errors.New("kafka backend: not connected"))
	}

	msg := &sarama.ProducerMessage{
		Topic: b.cfg.Topic,
		Key:   sarama.StringEncoder(env.Symbol),
		Value: sarama.ByteEncoder(env.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("message_id"), Value: []byte(env.MessageID)},
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}

	if _, _, err := producer.SendMessage(msg); err != nil {
		return models.WrapConnection(fmt.Errorf("kafka backend: send: %v", err))
	}
	return nil
}

// HealthCheck refreshes cluster metadata to probe broker reachability.
func (b *Backend) HealthCheck(_ context.Context) queue.Health {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return queue.Unreachable
	}
	if err := client.RefreshMetadata(); err != nil {
		b.logger.Warn().Err(err).Msg("kafka backend metadata refresh failed")
		return queue.Degraded
	}
	return queue.Healthy
}

// Close releases the producer and client.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.producer != nil {
		if err := b.producer.Close(); err != nil {
			errs = append(errs, err)
		}
		b.producer = nil
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err)
		}
		b.client = nil
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func saramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Metadata.Full = true
	cfg.Metadata.RefreshFrequency = metadataRefreshInterval
	return cfg
}
