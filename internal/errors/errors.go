// Package errors defines the typed errors returned by the engine and its
// transports.
//
// Callers match them with the standard library:
//
//	var valErr *errors.ValidationError
//	if goerrors.As(err, &valErr) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for contract violations (programming errors reported to
// the caller rather than crashing the engine).
var (
	ErrAlreadyRegistered = errors.New("mdns: record already registered")
	ErrUnknownRecord     = errors.New("mdns: unknown or deregistered record")
	ErrUnknownQuestion   = errors.New("mdns: unknown or stopped question")
	ErrUnknownInterface  = errors.New("mdns: unknown interface")
	ErrClosed            = errors.New("mdns: engine closed")
)

// NetworkError reports a socket-level failure.
type NetworkError struct {
	Operation string
	Err       error
	Details   string
}

func (e *NetworkError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("network error during %s: %v (%s)", e.Operation, e.Err, e.Details)
	}
	return fmt.Sprintf("network error during %s: %v", e.Operation, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// WireFormatError reports a malformed packet. Offset is the byte position at
// which decoding stopped.
type WireFormatError struct {
	Field   string
	Offset  int
	Message string
	Err     error
}

func (e *WireFormatError) Error() string {
	msg := fmt.Sprintf("wire format error in %s at offset %d: %s", e.Field, e.Offset, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WireFormatError) Unwrap() error { return e.Err }

// ValidationError reports an invalid API parameter. Nothing is registered
// when one is returned.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Message)
}
