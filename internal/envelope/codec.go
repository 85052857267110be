// Package envelope converts observations into the canonical wire message
// published to the queue backends. Message IDs are derived deterministically
// from the observation identity so that retransmitting the same observation
// always yields the same ID, which is what downstream consumers key their
// deduplication on.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/stock-poller/internal/models"
)

// SchemaVersion identifies the wire format emitted by this codec. Bump it
// when the wire message shape changes in a consumer visible way.
const SchemaVersion = 1

// Envelope is the uniquely identified wire wrapper around one observation.
type Envelope struct {
	MessageID     string
	SchemaVersion int
	Symbol        string
	Source        string
	CapturedAt    time.Time
	ProducedAt    time.Time
	Payload       []byte
}

// wireMessage is the JSON document placed on the queue.
type wireMessage struct {
	MessageID     string         `json:"message_id"`
	SchemaVersion int            `json:"schema_version"`
	Symbol        string         `json:"symbol"`
	CapturedAt    string         `json:"captured_at"`
	Fields        map[string]any `json:"fields"`
	Source        string         `json:"source"`
}

// Codec builds envelopes from observations. The zero value is not usable;
// construct instances with NewCodec.
type Codec struct {
	now func() time.Time
}

// NewCodec constructs a codec. The now function may be nil, in which case
// time.Now is used; tests inject a fixed clock through it.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{now: now}
}

// Encode converts an observation into an envelope. It fails only when the
// observation is malformed; the resulting error wraps models.ErrEncoding.
func (c *Codec) Encode(obs models.Observation) (Envelope, error) {
	if err := obs.Validate(); err != nil {
		return Envelope{}, models.WrapEncoding(err)
	}

	capturedAt := obs.CapturedAt.UTC()
	id := MessageID(obs.Symbol, obs.Source, capturedAt)

	payload, err := json.Marshal(wireMessage{
		MessageID:     id,
		SchemaVersion: SchemaVersion,
		Symbol:        obs.Symbol,
		CapturedAt:    capturedAt.Format(time.RFC3339Nano),
		Fields:        obs.Fields,
		Source:        obs.Source,
	})
	if err != nil {
		return Envelope{}, models.WrapEncoding(fmt.Errorf("marshal wire message: %v", err))
	}

	return Envelope{
		MessageID:     id,
		SchemaVersion: SchemaVersion,
		Symbol:        obs.Symbol,
		Source:        obs.Source,
		CapturedAt:    capturedAt,
		ProducedAt:    c.now().UTC(),
		Payload:       payload,
	}, nil
}

// MessageID derives the stable identifier for an observation. The hash input
// is the symbol, source and capture time only; retrying or re-encoding the
// same observation always produces the same ID.
func MessageID(symbol, source string, capturedAt time.Time) string {
	h := sha256.New()
	h.Write([]byte(symbol))
	h.Write([]byte{'|'})
	h.Write([]byte(source))
	h.Write([]byte{'|'})
	h.Write([]byte(capturedAt.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
