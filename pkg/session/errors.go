package session

import (
	"github.com/pkg/errors"
)

// Kind identifies one of the terminal error categories from §7.
type Kind string

const (
	ErrArchiveUnreadable     Kind = "ArchiveUnreadable"
	ErrInvalidBundleLayout   Kind = "InvalidBundleLayout"
	ErrEncrypted             Kind = "Encrypted"
	ErrProfileUnreadable     Kind = "ProfileUnreadable"
	ErrEntitlementsWriteFail Kind = "EntitlementsWriteFailed"
	ErrSignFailed            Kind = "SignFailed"
	ErrVerifyFailed          Kind = "VerifyFailed"
	ErrRepackFailed          Kind = "RepackFailed"
	ErrCleanupFailed         Kind = "CleanupFailed"
	ErrNoBinariesFound       Kind = "NoBinariesFound"
	ErrIdentityNotFound      Kind = "IdentityNotFound"
)

// StageError is the error type carried by an `end` event. It pairs a
// stable Kind (for exit-code / stderr contracts, §6) with the underlying
// wrapped cause.
type StageError struct {
	Kind  Kind
	cause error
}

func (e *StageError) Error() string {
	if e.cause == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.cause.Error()
}

func (e *StageError) Unwrap() error { return e.cause }

func wrapErr(kind Kind, format string, args ...interface{}) error {
	return &StageError{Kind: kind, cause: errors.Errorf(format, args...)}
}

func wrapCause(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &StageError{Kind: kind, cause: errors.Wrap(cause, msg)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *StageError, else returns "" (unclassified).
func KindOf(err error) Kind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
