// Package rabbitmq implements the RabbitMQ queue backend. The channel runs
// in confirm mode and Publish only returns nil once the broker acks the
// message; the queue is declared durable on connect so messages survive a
// broker restart.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/config"
	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/queue"
)

// Backend publishes envelopes to a durable RabbitMQ queue. The connection
// and channel form the backend handle; all mutation goes through the mutex
// so reconnects are serialized across publish workers.
type Backend struct {
	cfg    config.RabbitMQConfig
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// New constructs an unconnected RabbitMQ backend.
func New(cfg config.RabbitMQConfig, logger zerolog.Logger) (*Backend, error) {
	if cfg.Host == "" {
		return nil, models.WrapConfig(errors.New("rabbitmq backend: host is required"))
	}
	if cfg.QueueName == "" {
		return nil, models.WrapConfig(errors.New("rabbitmq backend: queue name is required"))
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Backend{cfg: cfg, logger: logger}, nil
}

// Name implements queue.Backend.
func (b *Backend) Name() string { return "rabbitmq" }

// Connect dials the broker, switches the channel into confirm mode and
// declares the durable queue.
func (b *Backend) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connectLocked()
}

func (b *Backend) connectLocked() error {
	if b.channel != nil && !b.channel.IsClosed() {
		return nil
	}

	if b.conn == nil || b.conn.IsClosed() {
		uri := amqp.URI{
			Scheme:   "amqp",
			Host:     b.cfg.Host,
			Port:     b.cfg.Port,
			Username: b.cfg.User,
			Password: b.cfg.Password,
			Vhost:    b.cfg.VHost,
		}
		conn, err := amqp.Dial(uri.String())
		if err != nil {
			return models.WrapConnection(fmt.Errorf("rabbitmq backend: dial %s:%d: %v", b.cfg.Host, b.cfg.Port, err))
		}
		b.conn = conn
	}

	channel, err := b.conn.Channel()
	if err != nil {
		return models.WrapConnection(fmt.Errorf("rabbitmq backend: open channel: %v", err))
	}
	if err := channel.Confirm(false); err != nil {
		channel.Close()
		return models.WrapConnection(fmt.Errorf("rabbitmq backend: enable confirms: %v", err))
	}
	if _, err := channel.QueueDeclare(b.cfg.QueueName, true, false, false, false, nil); err != nil {
		channel.Close()
		return models.WrapConnection(fmt.Errorf("rabbitmq backend: declare queue %s: %v", b.cfg.QueueName, err))
	}
	if b.cfg.Exchange != "" {
		if err := channel.ExchangeDeclare(b.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
			channel.Close()
			return models.WrapConnection(fmt.Errorf("rabbitmq backend: declare exchange %s: %v", b.cfg.Exchange, err))
		}
		if err := channel.QueueBind(b.cfg.QueueName, b.routingKey(), b.cfg.Exchange, false, nil); err != nil {
			channel.Close()
			return models.WrapConnection(fmt.Errorf("rabbitmq backend: bind queue: %v", err))
		}
	}

	b.channel = channel
	b.logger.Info().
		Str("host", b.cfg.Host).
		Int("port", b.cfg.Port).
		Str("queue", b.cfg.QueueName).
		Msg("rabbitmq backend connected")
	return nil
}

// Publish delivers one envelope and waits for the publisher confirm. A
// channel-level failure triggers one reconnect before giving up; the
// publisher's retry loop handles anything beyond that.
func (b *Backend) Publish(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := b.publishOnce(ctx, env)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	b.mu.Lock()
	reconnErr := b.connectLocked()
	b.mu.Unlock()
	if reconnErr != nil {
		return reconnErr
	}
	return b.publishOnce(ctx, env)
}

func (b *Backend) publishOnce(ctx context.Context, env envelope.Envelope) error {
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil || channel.IsClosed() {
		return models.WrapConnection(errors.New("rabbitmq backend: channel not open"))
	}

	confirm, err := channel.PublishWithDeferredConfirmWithContext(ctx,
		b.cfg.Exchange, b.routingKey(), false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.MessageID,
			Timestamp:    env.ProducedAt,
			Body:         env.Payload,
		})
	if err != nil {
		return models.WrapConnection(fmt.Errorf("rabbitmq backend: publish: %v", err))
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return models.WrapConnection(errors.New("rabbitmq backend: broker nacked publish"))
	}
	return nil
}

// HealthCheck reports the state of the connection handle.
func (b *Backend) HealthCheck(_ context.Context) queue.Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		return queue.Unreachable
	}
	if b.channel == nil || b.channel.IsClosed() {
		return queue.Degraded
	}
	return queue.Healthy
}

// Close releases the channel and connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if b.channel != nil && !b.channel.IsClosed() {
		if err := b.channel.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.channel = nil
	if b.conn != nil && !b.conn.IsClosed() {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.conn = nil
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// routingKey falls back to the queue name for default-exchange publishing.
func (b *Backend) routingKey() string {
	if b.cfg.RoutingKey != "" {
		return b.cfg.RoutingKey
	}
	return b.cfg.QueueName
}
