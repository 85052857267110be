// Package factory constructs the queue backend variant selected by
// configuration. Adding a backend means implementing queue.Backend and
// adding a case here.
package factory

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/config"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/queue"
	"github.com/example/stock-poller/internal/queue/kafka"
	"github.com/example/stock-poller/internal/queue/rabbitmq"
	"github.com/example/stock-poller/internal/queue/sqs"
)

// New constructs the primary queue backend for the configured variant.
func New(cfg config.QueueConfig, logger zerolog.Logger) (queue.Backend, error) {
	switch cfg.Type {
	case config.QueueSQS:
		backend, err := sqs.New(cfg.SQS, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: sqs backend init: %w", err)
		}
		logger.Info().Str("backend", "sqs").Msg("queue backend initialised")
		return backend, nil
	case config.QueueRabbitMQ:
		backend, err := rabbitmq.New(cfg.RabbitMQ, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: rabbitmq backend init: %w", err)
		}
		logger.Info().Str("backend", "rabbitmq").Msg("queue backend initialised")
		return backend, nil
	case config.QueueKafka:
		backend, err := kafka.New(cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: kafka backend init: %w", err)
		}
		logger.Info().Str("backend", "kafka").Msg("queue backend initialised")
		return backend, nil
	default:
		return nil, models.WrapConfig(fmt.Errorf("factory: unsupported queue backend %q", cfg.Type))
	}
}

// NewDeadLetter constructs a backend pointed at the dead-letter destination
// for the configured variant. It returns nil without error when no
// dead-letter destination is configured, in which case callers fall back to
// the log sink.
func NewDeadLetter(cfg config.QueueConfig, logger zerolog.Logger) (queue.Backend, error) {
	switch cfg.Type {
	case config.QueueSQS:
		if cfg.SQS.DLQQueueURL == "" {
			return nil, nil
		}
		dlqCfg := cfg.SQS
		dlqCfg.QueueURL = cfg.SQS.DLQQueueURL
		backend, err := sqs.New(dlqCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: sqs dead-letter backend init: %w", err)
		}
		return backend, nil
	case config.QueueRabbitMQ:
		dlqCfg := cfg.RabbitMQ
		dlqCfg.QueueName = cfg.RabbitMQ.DLQName
		dlqCfg.RoutingKey = ""
		backend, err := rabbitmq.New(dlqCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: rabbitmq dead-letter backend init: %w", err)
		}
		return backend, nil
	case config.QueueKafka:
		dlqCfg := cfg.Kafka
		dlqCfg.Topic = cfg.Kafka.DLQTopic
		backend, err := kafka.New(dlqCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("factory: kafka dead-letter backend init: %w", err)
		}
		return backend, nil
	default:
		return nil, models.WrapConfig(fmt.Errorf("factory: unsupported queue backend %q", cfg.Type))
	}
}
