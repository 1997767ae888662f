package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for the coordinator's retry and rollback policy.
type Kind int

const (
	// KindInternal is the default for unclassified errors; treated as
	// unrecoverable but never fatal to the client process.
	KindInternal Kind = iota
	// KindTransient covers network/store unavailability; retried with
	// backoff up to a bounded attempt count.
	KindTransient
	// KindValidation covers locally rejected input (empty content,
	// oversized payload); never retried, no I/O was attempted.
	KindValidation
	// KindConflict covers duplicate unique-constraint violations; resolved
	// as "already applied" and not surfaced to the user.
	KindConflict
	// KindAuthorization covers store-side permission rejections; surfaced
	// immediately, optimistic state rolled back.
	KindAuthorization
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindAuthorization:
		return "authorization"
	default:
		return "internal"
	}
}

var (
	ErrEmptyContent    = E(KindValidation, "message content is empty")
	ErrPayloadTooLarge = E(KindValidation, "payload exceeds size limit")
	ErrNotParticipant  = E(KindAuthorization, "user is not a participant of the conversation")
	ErrNotSubscribed   = E(KindValidation, "presence channel is not subscribed")
	ErrSessionClosed   = E(KindValidation, "session is closed")
	ErrNotFound        = E(KindInternal, "not found")
)

// Error carries a kind alongside the wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a new classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind of an error chain, KindInternal when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether the coordinator may retry the failed write.
func Retryable(err error) bool { return KindOf(err) == KindTransient }

// Retry runs fn up to attempts times, doubling the delay between tries.
// Non-transient errors abort immediately, as does context cancellation.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Retryable(err) || i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return Wrap(KindTransient, "retry aborted", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
