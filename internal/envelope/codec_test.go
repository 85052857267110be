package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/stock-poller/internal/models"
)

func fixedClock() time.Time {
	return time.Date(2025, 10, 11, 10, 0, 0, 0, time.UTC)
}

func sampleObservation() models.Observation {
	return models.Observation{
		Symbol: "AAPL",
		Fields: map[string]any{
			"price":    189.91,
			"currency": "USD",
		},
		CapturedAt: time.Date(2025, 10, 11, 9, 30, 0, 0, time.UTC),
		Source:     "yfinance",
	}
}

func TestEncodeDeterministicMessageID(t *testing.T) {
	codec := NewCodec(fixedClock)

	first, err := codec.Encode(sampleObservation())
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	second, err := codec.Encode(sampleObservation())
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	if first.MessageID == "" {
		t.Fatalf("expected non-empty message id")
	}
	if first.MessageID != second.MessageID {
		t.Fatalf("expected identical ids for identical observations, got %q and %q", first.MessageID, second.MessageID)
	}

	other := sampleObservation()
	other.CapturedAt = other.CapturedAt.Add(time.Second)
	third, err := codec.Encode(other)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	if third.MessageID == first.MessageID {
		t.Fatalf("expected different id for different capture time")
	}
}

func TestEncodeWireFormat(t *testing.T) {
	codec := NewCodec(fixedClock)

	env, err := codec.Encode(sampleObservation())
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(env.Payload, &wire); err != nil {
		t.Fatalf("payload is not valid json: %v", err)
	}

	if wire["message_id"] != env.MessageID {
		t.Fatalf("wire message_id %v does not match envelope id %q", wire["message_id"], env.MessageID)
	}
	if wire["schema_version"] != float64(SchemaVersion) {
		t.Fatalf("unexpected schema_version: %v", wire["schema_version"])
	}
	if wire["symbol"] != "AAPL" {
		t.Fatalf("unexpected symbol: %v", wire["symbol"])
	}
	if wire["source"] != "yfinance" {
		t.Fatalf("unexpected source: %v", wire["source"])
	}
	if wire["captured_at"] != "2025-10-11T09:30:00Z" {
		t.Fatalf("unexpected captured_at: %v", wire["captured_at"])
	}
	fields, ok := wire["fields"].(map[string]any)
	if !ok || fields["currency"] != "USD" {
		t.Fatalf("unexpected fields: %v", wire["fields"])
	}

	if !env.ProducedAt.Equal(fixedClock()) {
		t.Fatalf("expected produced_at from injected clock, got %s", env.ProducedAt)
	}
}

func TestEncodeRejectsMalformedObservation(t *testing.T) {
	codec := NewCodec(nil)

	cases := []models.Observation{
		{CapturedAt: fixedClock(), Source: "yfinance"},
		{Symbol: "AAPL", Source: "yfinance"},
		{Symbol: "AAPL", CapturedAt: fixedClock()},
	}
	for _, obs := range cases {
		if _, err := codec.Encode(obs); !errors.Is(err, models.ErrEncoding) {
			t.Fatalf("expected ErrEncoding for %+v, got %v", obs, err)
		}
	}
}

func TestMessageIDNormalisesTimezone(t *testing.T) {
	utc := time.Date(2025, 10, 11, 9, 30, 0, 0, time.UTC)
	est := utc.In(time.FixedZone("EST", -5*3600))

	if MessageID("AAPL", "yfinance", utc) != MessageID("AAPL", "yfinance", est) {
		t.Fatalf("expected identical ids for the same instant in different zones")
	}
}
