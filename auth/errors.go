package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is matched by every *InvalidStateError.
	ErrInvalidState = errors.New("invalid server context state")
	// ErrTokenTooLarge is returned when a token does not fit its buffer.
	ErrTokenTooLarge = errors.New("token exceeds buffer capacity")
	// ErrNotSupported is returned by providers unavailable on this platform.
	ErrNotSupported = errors.New("security provider not supported on this platform")
)

// NegotiationError reports a provider status outside the success set.
type NegotiationError struct {
	Op     string // provider call, e.g. "accept security context"
	Status Status
	Err    error // optional diagnostic cause
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// StatusOf extracts the provider status from err, if it carries one.
func StatusOf(err error) (Status, bool) {
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return ne.Status, true
	}
	return 0, false
}

// InvalidStateError reports an operation attempted in a state that does not
// allow it.
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s: server context is %s", e.Op, e.State)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}
