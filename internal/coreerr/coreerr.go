package coreerr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind is the machine-readable error taxonomy shared by the API surface,
// the dispatch loops, and dead-letter metadata.
type Kind string

const (
	KindInvalidParams   Kind = "invalid_params"
	KindResourceMissing Kind = "resource_missing"
	KindDuplicate       Kind = "duplicate"
	KindUnknownHandler  Kind = "unknown_handler"
	KindHandlerError    Kind = "handler_error"
	KindTransientBroker Kind = "transient_broker_error"
	KindTransientDB     Kind = "transient_db_error"
	KindParentCancelled Kind = "parent_cancelled"
	KindPoison          Kind = "poison"
	KindJobNotFound     Kind = "job_not_found"
	KindInternal        Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the taxonomy kind from any error chain, defaulting to
// internal for untyped errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// IsTransientDB reports whether err is a Postgres failure worth an in-process
// retry: deadlock, serialization failure, or a dropped connection.
func IsTransientDB(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		case "57P01", "57P02", "57P03": // admin_shutdown, crash_shutdown, cannot_connect_now
			return true
		}
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	return false
}
