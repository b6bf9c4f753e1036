package cec

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandler is returned when a nil handler is registered.
	ErrInvalidHandler = errors.New("handler must be callable")

	// ErrNoAdapterFound is returned by a default open when discovery is empty.
	ErrNoAdapterFound = errors.New("no CEC adapter found")

	// ErrAlreadyOpen is returned when a session is already open.
	ErrAlreadyOpen = errors.New("a session is already open")

	// ErrNotOpen is returned by transmit when no session is open.
	ErrNotOpen = errors.New("no session is open")

	// ErrNotInitialised is returned when the engine was never bootstrapped
	// or has already been torn down.
	ErrNotInitialised = errors.New("engine not initialised")
)

// Engines report transmit failure detail by returning (or wrapping) one of
// these.
var (
	ErrTransmitTimeout = errors.New("transmit timed out")
	ErrTransmitNack    = errors.New("frame not acknowledged")
	ErrBusBusy         = errors.New("bus busy")
)

// MalformedPayloadError means the engine produced an event that could not
// be decoded. The event is dropped.
type MalformedPayloadError struct {
	Kind   EventKind
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %s", e.Kind, e.Reason)
}

func malformed(kind EventKind, format string, args ...interface{}) *MalformedPayloadError {
	return &MalformedPayloadError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// HandlerError wraps the failure of an application handler. Index is the
// position of the failing handler in registration order.
type HandlerError struct {
	Kind  EventKind
	Index int
	Cause error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler %d failed: %v", e.Kind, e.Index, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// EngineError is an opaque failure reported by the engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s failed: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// TransmitReason classifies a transmit failure.
type TransmitReason string

const (
	TransmitReasonTimeout TransmitReason = "timeout"
	TransmitReasonNack    TransmitReason = "nack"
	TransmitReasonBusBusy TransmitReason = "bus_busy"
	TransmitReasonInvalid TransmitReason = "invalid_frame"
	TransmitReasonUnknown TransmitReason = "unknown"
)

// TransmitError is returned when a frame could not be sent.
type TransmitError struct {
	Reason TransmitReason
	Err    error
}

func (e *TransmitError) Error() string {
	return fmt.Sprintf("transmit failed (%s): %v", e.Reason, e.Err)
}

func (e *TransmitError) Unwrap() error {
	return e.Err
}

func transmitReason(err error) TransmitReason {
	switch {
	case errors.Is(err, ErrTransmitTimeout):
		return TransmitReasonTimeout
	case errors.Is(err, ErrTransmitNack):
		return TransmitReasonNack
	case errors.Is(err, ErrBusBusy):
		return TransmitReasonBusBusy
	default:
		return TransmitReasonUnknown
	}
}
