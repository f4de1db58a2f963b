package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable classification of an EngineError.
// Dashboards and workers branch on it; it never changes for a given code.
type ErrorKind string

const (
	KindNotFound            ErrorKind = "NotFound"
	KindConflict            ErrorKind = "Conflict"
	KindWorkerLost          ErrorKind = "WorkerLost"
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	KindValidation          ErrorKind = "ValidationError"
	KindRateLimited         ErrorKind = "RateLimited"
	KindCancelled           ErrorKind = "Cancelled"
	KindInternal            ErrorKind = "Internal"
)

// EngineError is the unified error type for the relay.
// Each error has a numeric code, a kind and a human-readable message.
type EngineError struct {
	Code    int
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

// Is reports whether target is an EngineError with the same code, so that
// errors built with NewEngineError still match their sentinel.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewEngineError creates an EngineError that shares code and kind with base
// but carries a more specific message.
func NewEngineError(base *EngineError, msg string) *EngineError {
	return &EngineError{Code: base.Code, Kind: base.Kind, Message: msg}
}

// Errorf is NewEngineError with formatting.
func Errorf(base *EngineError, format string, args ...any) *EngineError {
	return NewEngineError(base, fmt.Sprintf(format, args...))
}

// AsEngineError extracts an EngineError from err's chain.
func AsEngineError(err error) (*EngineError, bool) {
	var engErr *EngineError
	if errors.As(err, &engErr) {
		return engErr, true
	}
	return nil, false
}

// TaskError converts e into the error recorded on a failed task.
func (e *EngineError) TaskError() *TaskError {
	return &TaskError{Kind: e.Kind, Message: e.Message}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) ErrorKind {
	if engErr, ok := AsEngineError(err); ok {
		return engErr.Kind
	}
	return KindInternal
}

// ---- Task store / state machine errors (-32010 to -32039) ----

var (
	ErrTaskNotFound      = &EngineError{Code: -32010, Kind: KindNotFound, Message: "task not found"}
	ErrInvalidTransition = &EngineError{Code: -32011, Kind: KindConflict, Message: "illegal task status transition"}
	ErrNotClaimant       = &EngineError{Code: -32012, Kind: KindConflict, Message: "caller does not hold the task claim"}
	ErrClaimConflict     = &EngineError{Code: -32013, Kind: KindConflict, Message: "task was claimed concurrently"}
	ErrTaskNotTerminal   = &EngineError{Code: -32014, Kind: KindConflict, Message: "task is not in a terminal state"}
	ErrTaskCancelled     = &EngineError{Code: -32015, Kind: KindCancelled, Message: "task was cancelled"}
)

// ---- Worker / agent / affinity errors (-32040 to -32069) ----

var (
	ErrWorkerNotFound   = &EngineError{Code: -32040, Kind: KindNotFound, Message: "worker not found"}
	ErrWorkerLost       = &EngineError{Code: -32041, Kind: KindWorkerLost, Message: "worker heartbeat expired while task was running"}
	ErrAgentNotFound    = &EngineError{Code: -32042, Kind: KindNotFound, Message: "agent not found"}
	ErrCodebaseNotFound = &EngineError{Code: -32043, Kind: KindNotFound, Message: "codebase not found"}
	ErrNotEligible      = &EngineError{Code: -32044, Kind: KindConflict, Message: "worker is not eligible for the task's codebase"}
	ErrSessionNotFound  = &EngineError{Code: -32045, Kind: KindNotFound, Message: "session not found"}
)

// ---- Gateway / upstream errors (-32070 to -32099) ----

var (
	ErrUpstreamUnavailable = &EngineError{Code: -32070, Kind: KindUpstreamUnavailable, Message: "execution bridge unavailable"}
	ErrRateLimitExceeded   = &EngineError{Code: -32071, Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrStreamClosed        = &EngineError{Code: -32072, Kind: KindConflict, Message: "stream is closed"}
)

// ---- Validation errors (-32600 to -32602, JSON-RPC reserved) ----

var (
	ErrInvalidRequest = &EngineError{Code: -32600, Kind: KindValidation, Message: "invalid request"}
	ErrMethodNotFound = &EngineError{Code: -32601, Kind: KindNotFound, Message: "method not found"}
	ErrInvalidParams  = &EngineError{Code: -32602, Kind: KindValidation, Message: "invalid params"}
	ErrParse          = &EngineError{Code: -32700, Kind: KindValidation, Message: "parse error"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrConfigInvalid  = &EngineError{Code: -32136, Kind: KindValidation, Message: "invalid configuration"}
	ErrDuplicateEvent = &EngineError{Code: -32137, Kind: KindConflict, Message: "duplicate ledger sequence number"}
)
