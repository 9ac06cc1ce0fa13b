// Package backend models the inference backend as a single opaque
// capability: invoke a payload, get text or an error. The only
// structure this core cares about is whether a failure is worth
// retrying.
package backend

import (
	"context"
	"errors"
	"fmt"
)

type Invoker interface {
	Invoke(ctx context.Context, payload string) (string, error)
}

// Error classifies a backend failure. Transient failures (timeouts,
// connection loss, overload) consume retry budget; permanent ones
// (the backend rejected the payload itself) do not get retried.
type Error struct {
	Reason    string
	Transient bool
}

func (e *Error) Error() string {
	if e.Transient {
		return fmt.Sprintf("backend transient failure: %s", e.Reason)
	}
	return fmt.Sprintf("backend rejected request: %s", e.Reason)
}

func Transient(reason string) error {
	return &Error{Reason: reason, Transient: true}
}

func Permanent(reason string) error {
	return &Error{Reason: reason, Transient: false}
}

// IsTransient reports whether err should be retried. Unclassified
// errors count as transient: retrying a broken call is recoverable,
// abandoning a healthy one is not.
func IsTransient(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Transient
	}
	return true
}
