package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/digestry/digestry/internal/identity"
)

// Class buckets a failure for the retry decision.
type Class int

// Failure classes.
const (
	// ClassTransient failures are likely to succeed if attempted later:
	// timeouts, rate limits, rotation or slot exhaustion.
	ClassTransient Class = iota
	// ClassPermanent failures will recur regardless of retry: content
	// unavailable, invalid input, authorization failures.
	ClassPermanent
)

// String returns the class name for logs and records.
func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classified is an error carrying an explicit failure class. Stage
// collaborators wrap their errors with Transient/Permanent so the runner
// never has to guess.
type Classified struct {
	class Class
	err   error
}

// Error implements error.
func (e *Classified) Error() string { return e.err.Error() }

// Unwrap exposes the wrapped error.
func (e *Classified) Unwrap() error { return e.err }

// Class returns the failure class.
func (e *Classified) Class() Class { return e.class }

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{class: ClassTransient, err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Classified{class: ClassPermanent, err: err}
}

// Transientf formats a retryable failure.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// DefaultClass wraps err with class unless a class is already attached
// somewhere in its chain.
func DefaultClass(err error, class Class) error {
	if err == nil {
		return nil
	}
	var classified *Classified
	if errors.As(err, &classified) {
		return err
	}
	return &Classified{class: class, err: err}
}

// Classify buckets an arbitrary error. Explicit classifications win;
// context expiry, network timeouts and pool exhaustion are transient;
// anything unrecognized defaults to transient so a classifier gap leans
// toward retry rather than silent loss.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}
	var classified *Classified
	if errors.As(err, &classified) {
		return classified.Class()
	}
	if errors.Is(err, identity.ErrPoolExhausted) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	return ClassTransient
}

// IsRetryable reports whether the error classifies as transient.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
