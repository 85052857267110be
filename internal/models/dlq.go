package models

import (
	"encoding/json"
	"time"
)

// Failure types for dead-letter records.
const (
	FailureTypeTransient = "transient"
	FailureTypeEncoding  = "encoding"
	FailureTypeBackend   = "backend"
	FailureTypeUnknown   = "unknown"
)

// DeadLetterRecord is the payload written to the dead-letter sink when an
// envelope exhausts its retry budget or fails encoding. It carries enough
// context for an operator to replay or discard the message.
type DeadLetterRecord struct {
	MessageID     string          `json:"message_id"`
	Symbol        string          `json:"symbol"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	FailureType   string          `json:"failure_type"`
	LastError     string          `json:"last_error,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at"`
}
