package util

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidSymbol is returned when a ticker symbol is malformed.
var ErrInvalidSymbol = errors.New("invalid ticker symbol")

// Ticker symbols: letters, digits, dots and dashes, as seen across the
// supported providers (BRK.B, BTC-USD).
var symbolPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-]{0,11}$`)

// NormalizeSymbol validates a ticker symbol and returns its canonical
// upper-case form.
func NormalizeSymbol(value string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(value))
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidSymbol)
	}
	if !symbolPattern.MatchString(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, trimmed)
	}
	return trimmed, nil
}

// NormalizeSymbols validates each symbol, returning the normalized slice
// with duplicates removed in first-seen order.
func NormalizeSymbols(values []string) ([]string, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: no symbols provided", ErrInvalidSymbol)
	}

	seen := make(map[string]bool, len(values))
	result := make([]string, 0, len(values))
	for idx, value := range values {
		normalized, err := NormalizeSymbol(value)
		if err != nil {
			return nil, fmt.Errorf("symbol[%d]: %w", idx, err)
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		result = append(result, normalized)
	}
	return result, nil
}
