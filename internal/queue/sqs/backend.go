// Package sqs implements the AWS SQS queue backend. Messages are capped at
// the SQS size limit, and on FIFO queues the envelope message ID doubles as
// the broker-side deduplication token so retransmissions collapse without
// consumer involvement.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog"

	"github.com/example/stock-poller/internal/config"
	"github.com/example/stock-poller/internal/envelope"
	"github.com/example/stock-poller/internal/models"
	"github.com/example/stock-poller/internal/queue"
)

// maxMessageBytes is the SQS payload ceiling.
const maxMessageBytes = 256 * 1024

// batchLimit is the SQS SendMessageBatch entry ceiling.
const batchLimit = 10

// api is the subset of the SQS client the backend uses; tests substitute a
// fake.
type api interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *awssqs.SendMessageBatchInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// Backend publishes envelopes to an SQS queue.
type Backend struct {
	cfg    config.SQSConfig
	logger zerolog.Logger
	fifo   bool

	mu     sync.Mutex
	client api
}

// New constructs an unconnected SQS backend.
func New(cfg config.SQSConfig, logger zerolog.Logger) (*Backend, error) {
	if cfg.QueueURL == "" {
		return nil, models.WrapConfig(errors.New("sqs backend: queue url is required"))
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
		fifo:   strings.HasSuffix(cfg.QueueURL, ".fifo"),
	}, nil
}

// Name implements queue.Backend.
func (b *Backend) Name() string { return "sqs" }

// Connect resolves AWS credentials, builds the client and probes the queue.
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(b.cfg.Region))
		if err != nil {
			return models.WrapConnection(fmt.Errorf("sqs backend: load aws config: %v", err))
		}
		b.client = awssqs.NewFromConfig(awsCfg)
	}

	if err := b.probeLocked(ctx); err != nil {
		return models.WrapConnection(fmt.Errorf("sqs backend: probe queue: %v", err))
	}

	b.logger.Info().Str("queue_url", b.cfg.QueueURL).Bool("fifo", b.fifo).Msg("sqs backend connected")
	return nil
}

// Publish sends one envelope. Oversized payloads can never succeed and are
// reported as encoding failures so the publisher dead-letters them without
// burning retries.
func (b *Backend) Publish(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(env.Payload) > maxMessageBytes {
		return models.WrapEncoding(fmt.Errorf("sqs backend: payload is %d bytes, limit %d", len(env.Payload), maxMessageBytes))
	}

	client := b.getClient()
	if client == nil {
		return models.WrapConnection(errors.New("sqs backend: not connected"))
	}

	input := &awssqs.SendMessageInput{
		QueueUrl:          aws.String(b.cfg.QueueURL),
		MessageBody:       aws.String(string(env.Payload)),
		MessageAttributes: messageAttributes(env),
	}
	if b.fifo {
		input.MessageDeduplicationId = aws.String(env.MessageID)
		input.MessageGroupId = aws.String(env.Symbol)
	}

	if _, err := client.SendMessage(ctx, input); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return models.WrapConnection(fmt.Errorf("sqs backend: send message: %v", err))
	}
	return nil
}

// PublishBatch sends up to ten envelopes in one request. Used by the
// dead-letter sink flush path where per-envelope ack accounting is not
// needed; partial failures are reported as one error.
func (b *Backend) PublishBatch(ctx context.Context, envs []envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	if len(envs) > batchLimit {
		return fmt.Errorf("sqs backend: batch of %d exceeds limit %d", len(envs), batchLimit)
	}

	client := b.getClient()
	if client == nil {
		return models.WrapConnection(errors.New("sqs backend: not connected"))
	}

	entries := make([]types.SendMessageBatchRequestEntry, 0, len(envs))
	for i, env := range envs {
		entry := types.SendMessageBatchRequestEntry{
			Id:                aws.String(strconv.Itoa(i)),
			MessageBody:       aws.String(string(env.Payload)),
			MessageAttributes: messageAttributes(env),
		}
		if b.fifo {
			entry.MessageDeduplicationId = aws.String(env.MessageID)
			entry.MessageGroupId = aws.String(env.Symbol)
		}
		entries = append(entries, entry)
	}

	out, err := client.SendMessageBatch(ctx, &awssqs.SendMessageBatchInput{
		QueueUrl: aws.String(b.cfg.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		return models.WrapConnection(fmt.Errorf("sqs backend: send batch: %v", err))
	}
	if len(out.Failed) > 0 {
		first := out.Failed[0]
		return models.WrapConnection(fmt.Errorf("sqs backend: %d of %d batch entries failed, first: %s", len(out.Failed), len(envs), aws.ToString(first.Message)))
	}
	return nil
}

// HealthCheck probes the queue attributes endpoint.
func (b *Backend) HealthCheck(ctx context.Context) queue.Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return queue.Unreachable
	}
	if err := b.probeLocked(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("sqs backend health probe failed")
		return queue.Degraded
	}
	return queue.Healthy
}

// Close is a no-op; the SQS client holds no persistent connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.client = nil
	return nil
}

func (b *Backend) probeLocked(ctx context.Context) error {
	_, err := b.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(b.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

func (b *Backend) getClient() api {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

func messageAttributes(env envelope.Envelope) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"message_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(env.MessageID),
		},
		"schema_version": {
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.Itoa(env.SchemaVersion)),
		},
	}
}
