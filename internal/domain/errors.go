package domain

import "github.com/pkg/errors"

// Kind is one of the closed set of error kinds from spec.md §7.
type Kind string

const (
	KindValidation    Kind = "ValidationError"
	KindNotInit       Kind = "NotInitialized"
	KindBusy          Kind = "Busy"
	KindStorage       Kind = "StorageError"
	KindUpstream      Kind = "UpstreamError"
	KindTimeout       Kind = "Timeout"
	KindCanceled      Kind = "Canceled"
	KindInternal      Kind = "Internal"
	KindRetryable     Kind = "RetryableUpstream"
	KindPermanent     Kind = "Permanent"
	KindNotFound      Kind = "NotFound"
	KindExpert        Kind = "ExpertError"
)

// Error is a kinded error carrying a short user-facing code and message,
// never leaking stack traces or internal identifiers beyond
// session_id/message_id (spec.md §7).
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with no cause, wrapped with a stack trace via
// pkg/errors so logs can render "where" without the client ever seeing it.
func New(kind Kind, message string) error {
	return errors.WithStack(&Error{Kind: kind, Message: message})
}

// Wrap constructs an *Error that carries cause's chain for logging while
// keeping the public Kind/Message closed-set surface spec.md §7 requires.
func Wrap(kind Kind, message string, cause error) error {
	return errors.WithStack(&Error{Kind: kind, Message: message, cause: cause})
}

// As extracts the first (outermost) *Error from an error chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal if err does not carry one.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}
