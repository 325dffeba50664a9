// Package repository provides generic, typed, fault-tolerant access to
// one remote resource collection per instantiation. Every operation
// returns a result.Result; raw transport errors never cross this
// boundary uncaught.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"scavenger-sync/internal/store"
)

// Kind classifies a repository error into a closed taxonomy that
// drives retry decisions.
type Kind string

const (
	KindConnectionFailed         Kind = "connection_failed"
	KindNetworkTimeout           Kind = "network_timeout"
	KindRateLimitExceeded        Kind = "rate_limit_exceeded"
	KindQueryFailed              Kind = "query_failed"
	KindConstraintViolation      Kind = "constraint_violation"
	KindUnknown                  Kind = "unknown"
	KindPermissionDenied         Kind = "permission_denied"
	KindRecordNotFound           Kind = "record_not_found"
	KindDuplicateKey             Kind = "duplicate_key"
	KindForeignKeyViolation      Kind = "foreign_key_violation"
	KindCheckConstraintViolation Kind = "check_constraint_violation"
	KindNotNullViolation         Kind = "not_null_violation"
	KindUnsupportedOperation     Kind = "unsupported_operation"
)

// Error is the uniform failure type carried inside repository results.
type Error struct {
	Kind      Kind
	Message   string
	Resource  string
	Operation string
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", e.Resource, e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether another attempt could plausibly succeed.
// Unclassified errors are treated as possibly transient.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnectionFailed, KindNetworkTimeout, KindRateLimitExceeded,
		KindQueryFailed, KindConstraintViolation, KindUnknown:
		return true
	default:
		return false
	}
}

// KindOf extracts the taxonomy kind from any error returned by this
// package. Non-repository errors report KindUnknown.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// classify maps a raw store/transport error into the taxonomy.
func classify(resource, operation string, err error) *Error {
	e := &Error{
		Kind:      KindUnknown,
		Message:   err.Error(),
		Resource:  resource,
		Operation: operation,
		Cause:     err,
	}

	switch {
	case errors.Is(err, store.ErrReadOnlyResource):
		e.Kind = KindUnsupportedOperation
		return e
	case errors.Is(err, store.ErrNotFound):
		e.Kind = KindRecordNotFound
		return e
	case errors.Is(err, context.DeadlineExceeded):
		e.Kind = KindNetworkTimeout
		return e
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		e.Kind = classifyPgCode(pgErr.Code)
		return e
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			e.Kind = KindNetworkTimeout
		} else {
			e.Kind = KindConnectionFailed
		}
		return e
	}

	return e
}

// classifyPgCode maps a SQLSTATE code into the taxonomy.
func classifyPgCode(code string) Kind {
	switch code {
	case "23505":
		return KindDuplicateKey
	case "23503":
		return KindForeignKeyViolation
	case "23514":
		return KindCheckConstraintViolation
	case "23502":
		return KindNotNullViolation
	case "42501", "28000", "28P01":
		return KindPermissionDenied
	case "57014":
		return KindNetworkTimeout
	}
	switch {
	case strings.HasPrefix(code, "08"): // connection exception class
		return KindConnectionFailed
	case strings.HasPrefix(code, "53"): // insufficient resources class
		return KindRateLimitExceeded
	case strings.HasPrefix(code, "23"):
		return KindConstraintViolation
	case strings.HasPrefix(code, "42"): // syntax or access rule class
		return KindQueryFailed
	}
	return KindUnknown
}
