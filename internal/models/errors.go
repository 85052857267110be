package models

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the pipeline to classify failures. Components
// wrap concrete causes with these so callers can branch on errors.Is without
// depending on backend specific error types.
var (
	// ErrConfig marks invalid configuration. Fatal; fails startup.
	ErrConfig = errors.New("configuration error")
	// ErrTransient marks failures that are expected to clear on retry.
	ErrTransient = errors.New("transient error")
	// ErrEncoding marks a malformed observation. Fatal per message, never
	// retried; the envelope is dead-lettered immediately.
	ErrEncoding = errors.New("encoding error")
	// ErrConnection marks a transport level failure while talking to a
	// queue backend.
	ErrConnection = errors.New("connection error")
	// ErrBackendUnavailable is returned while the circuit breaker is open.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrFatal marks a source failure that halts polling for one symbol.
	ErrFatal = errors.New("fatal error")
	// ErrNotFound is returned when a source has no data for a symbol.
	ErrNotFound = errors.New("not found")
)

// WrapConfig annotates an error as a configuration problem.
func WrapConfig(err error) error {
	if err == nil {
		return ErrConfig
	}
	return fmt.Errorf("%w: %v", ErrConfig, err)
}

// WrapTransient annotates an error so callers can detect transient failures.
func WrapTransient(err error) error {
	if err == nil {
		return ErrTransient
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// WrapEncoding annotates an error as a per-message encoding failure.
func WrapEncoding(err error) error {
	if err == nil {
		return ErrEncoding
	}
	return fmt.Errorf("%w: %v", ErrEncoding, err)
}

// WrapConnection annotates an error as a backend transport failure.
func WrapConnection(err error) error {
	if err == nil {
		return ErrConnection
	}
	return fmt.Errorf("%w: %v", ErrConnection, err)
}

// WrapFatal annotates an error as fatal for the affected symbol.
func WrapFatal(err error) error {
	if err == nil {
		return ErrFatal
	}
	return fmt.Errorf("%w: %v", ErrFatal, err)
}
