package models

import (
	"errors"
	"time"
)

// Observation is a single timestamped data point fetched from a market data
// source. Observations are value types and must not be mutated after
// construction; the codec and publisher rely on that to keep message IDs
// stable across retransmission.
type Observation struct {
	Symbol     string         `json:"symbol"`
	Fields     map[string]any `json:"fields"`
	CapturedAt time.Time      `json:"captured_at"`
	Source     string         `json:"source"`
}

// Validate reports whether the observation carries the attributes required
// to derive a stable message ID.
func (o Observation) Validate() error {
	if o.Symbol == "" {
		return errors.New("observation is missing symbol")
	}
	if o.CapturedAt.IsZero() {
		return errors.New("observation is missing captured_at")
	}
	if o.Source == "" {
		return errors.New("observation is missing source")
	}
	return nil
}
