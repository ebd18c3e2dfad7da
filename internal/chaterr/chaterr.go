// Package chaterr classifies errors crossing component boundaries so
// callers can decide between retrying, surfacing, or rejecting.
package chaterr

import (
	"errors"
	"fmt"
)

// Kind partitions failures by how the caller should react.
type Kind string

const (
	// KindTransient covers network and server hiccups; the outbound
	// queue retries these.
	KindTransient Kind = "transient"
	// KindValidation covers rejected input; never enqueued, never retried.
	KindValidation Kind = "validation"
	// KindNotFound covers entities that vanished server-side; surfaced,
	// not retried.
	KindNotFound Kind = "not_found"
	// KindUpload covers attachment upload failures, isolated from the
	// rest of the owning message.
	KindUpload Kind = "upload"
)

// Error carries a Kind, the operation that failed, and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindTransient for unclassified
// errors: when in doubt, a retry is the least harmful reaction.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsValidation reports whether err is a rejected-input error.
func IsValidation(err error) bool {
	return KindOf(err) == KindValidation
}

// IsNotFound reports whether err is a vanished-entity error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUpload reports whether err is an attachment upload failure.
func IsUpload(err error) bool {
	return KindOf(err) == KindUpload
}
