package adapter

import (
	"errors"
	"fmt"

	"github.com/bridgecal/bridgecal/internal/event"
)

// AuthError is an unrecoverable credential failure. It aborts the process
// with exit code 3. Messages never contain credential material.
type AuthError struct {
	Side event.Side
	Op   string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s %s: authentication failed: %v", e.Side, e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError is a momentary failure (network, rate limit, service
// hiccup). The engine logs it, counts it and continues with the next item.
type TransientError struct {
	Side event.Side
	Op   string
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s %s: transient failure: %v", e.Side, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
