package exchange

import (
	"errors"
	"fmt"
)

// Exchange failure kinds. Every terminal failure is reported as an *Error
// whose Kind is one of these, so errors.Is works against them directly.
var (
	ErrInvalidURL        = errors.New("invalid exchange URL")
	ErrConnectTimeout    = errors.New("connect timeout")
	ErrTimeout           = errors.New("exchange timeout")
	ErrConnect           = errors.New("connect failed")
	ErrHandshake         = errors.New("TLS handshake failed")
	ErrSend              = errors.New("send failed")
	ErrReceive           = errors.New("receive failed")
	ErrMalformedResponse = errors.New("malformed response")
)

// Error describes a terminal exchange failure.
type Error struct {
	// Kind is one of the Err* sentinels of this package.
	Kind error

	// Phase is the phase the exchange was in when it failed.
	Phase Phase

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (%s): %v", e.Kind, e.Phase, e.Err)
	}
	return fmt.Sprintf("%v (%s)", e.Kind, e.Phase)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, phase Phase, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: cause}
}
