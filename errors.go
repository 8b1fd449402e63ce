package ds

import (
	"errors"
	"fmt"
)

// ErrNotFound is the error returned
// when a Getter tries to access a non-existent ref.
var ErrNotFound = errors.New("not found")

// ErrTooLarge is the error returned when a blob exceeds the store's
// configured maximum size. The check happens before any bytes are
// persisted.
var ErrTooLarge = errors.New("blob too large")

// Kind is a coarse, serializable error category.
// Kinds are the only error information that crosses a trust boundary;
// everything else stays server-side.
// Callers branch on Kind rather than matching error strings.
type Kind string

const (
	KindUnauthenticated  Kind = "Unauthenticated"
	KindAccessDenied     Kind = "AccessDenied"
	KindRecordNotFound   Kind = "RecordNotFound"
	KindBlobNotFound     Kind = "BlobNotFound"
	KindQuotaExceeded    Kind = "QuotaExceeded"
	KindNotPinned        Kind = "NotPinned"
	KindInvalidSignature Kind = "InvalidSignature"
	KindSyncFailed       Kind = "SyncFailed"
	KindInternal         Kind = "Internal"
)

// Error is the store's structured error type.
//
// Message is intended for humans and for server-side logs;
// do not match on it.
// Cause carries the full internal diagnostic chain
// and is stripped by External before serialization.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewError produces an Error with the given kind and message.
func NewError(kind Kind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

// Errorf produces an Error with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError produces an Error wrapping a cause.
func WrapError(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf reports the Kind of err:
// the kind of the outermost wrapped *Error,
// KindBlobNotFound for ErrNotFound,
// and KindInternal for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrNotFound) {
		return KindBlobNotFound
	}
	return KindInternal
}

// IsKind reports whether err is (or wraps) an *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// External converts err into the form that may cross a trust boundary:
// the coarse Kind with a generic message and no cause chain.
// Database faults, serialization faults, and other unclassified errors
// all collapse to KindInternal.
func External(err error) *Error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	return &Error{Kind: kind, Message: externalMessages[kind]}
}

var externalMessages = map[Kind]string{
	KindUnauthenticated:  "unauthenticated",
	KindAccessDenied:     "access denied",
	KindRecordNotFound:   "record not found",
	KindBlobNotFound:     "blob not found",
	KindQuotaExceeded:    "quota exceeded",
	KindNotPinned:        "not pinned",
	KindInvalidSignature: "invalid signature",
	KindSyncFailed:       "sync failed",
	KindInternal:         "internal error",
}
