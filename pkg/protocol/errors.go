package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation failed")
	ErrInvalidState   = errors.New("invalid connection state")
	ErrPortsExhausted = errors.New("no available ports on the tracker")
	ErrUnavailable    = errors.New("registry unavailable")
	ErrTimeout        = errors.New("request timed out")
	ErrTrackerClosed  = errors.New("tracker connection closed")
	ErrNotSeeding     = errors.New("not seeding this file")
	ErrNoPeers        = errors.New("no peers for chunk")
	ErrIncomplete     = errors.New("download incomplete")
)

// Wire error codes.
const (
	CodeNotFound       = "not_found"
	CodeValidation     = "validation"
	CodeInvalidState   = "invalid_state"
	CodePortsExhausted = "ports_exhausted"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// CodeOf maps an error to the code sent back to a peer.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrPortsExhausted):
		return CodePortsExhausted
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeInternal
	}
}

// Err turns an ErrorResponse back into an error that matches the sentinel for
// its code under errors.Is.
func (e ErrorResponse) Err() error {
	var base error
	switch e.Code {
	case CodeNotFound:
		base = ErrNotFound
	case CodeValidation:
		base = ErrValidation
	case CodeInvalidState:
		base = ErrInvalidState
	case CodePortsExhausted:
		base = ErrPortsExhausted
	case CodeUnavailable:
		base = ErrUnavailable
	default:
		return fmt.Errorf("tracker error: %s", e.Message)
	}
	return fmt.Errorf("%w: %s", base, e.Message)
}
