// Package queue defines the capability interface the publisher delivers
// through. Backends are a closed set of variants (SQS, RabbitMQ, Kafka)
// selected by configuration; each owns its connection handle and hides the
// transport specifics behind Connect, Publish, HealthCheck and Close.
package queue

import (
	"context"

	"github.com/example/stock-poller/internal/envelope"
)

// Health classifies the state of a backend connection.
type Health int

const (
	Healthy Health = iota
	Degraded
	Unreachable
)

// String returns the lower-case health name used in logs.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Backend is the transport a publisher delivers envelopes to.
//
// Publish must be idempotent from the caller's perspective when retried
// with the same envelope: the message ID travels with the payload (and as a
// broker dedup token where the transport supports one) so retransmissions
// collapse downstream. Publish returns nil only once the broker has
// positively acknowledged the message.
type Backend interface {
	// Connect establishes the transport. Errors wrap models.ErrConnection.
	Connect(ctx context.Context) error

	// Publish delivers one envelope and waits for broker acknowledgment.
	Publish(ctx context.Context, env envelope.Envelope) error

	// HealthCheck probes the connection without publishing.
	HealthCheck(ctx context.Context) Health

	// Close releases the connection handle. Safe to call once after Connect.
	Close() error

	// Name identifies the variant in logs and metrics.
	Name() string
}
