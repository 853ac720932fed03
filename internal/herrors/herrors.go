// Package herrors defines the orchestrator's error taxonomy: every error that
// crosses a component boundary carries one of a small set of Kinds so callers can
// decide mechanically whether to retry, fail the task, fail the job, or crash.
package herrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for the purpose of deciding what happens next.
type Kind int

const (
	// KindUnknown is never constructed directly; it signals a caller asked About()
	// an error this package didn't produce.
	KindUnknown Kind = iota

	// KindTransientBroker covers broker dial/publish failures expected to clear on
	// retry: connection refused, timeout, temporary network partition.
	KindTransientBroker

	// KindTaskNack means a worker explicitly rejected a task (Some(false) in the
	// reference's ack future) or the broker never got an ack. The task is
	// retried up to the configured failure threshold.
	KindTaskNack

	// KindStateStore covers failures persisting or reading durable records: disk
	// full, permission denied, corrupt record on disk.
	KindStateStore

	// KindInvalidInput covers malformed requests: missing fields, a payload path
	// that doesn't exist, an unreadable input directory.
	KindInvalidInput

	// KindQueueFull means the scheduler's intake channel rejected a submission
	// because max_concurrent_jobs capacity and backlog are both exhausted.
	KindQueueFull

	// KindInvariant marks a programmer error: a state transition the code should
	// never reach. Callers treat this as fail-fast, not retry.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransientBroker:
		return "transient_broker"
	case KindTaskNack:
		return "task_nack"
	case KindStateStore:
		return "state_store"
	case KindInvalidInput:
		return "invalid_input"
	case KindQueueFull:
		return "queue_full"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged, stack-trace-carrying error (via github.com/pkg/errors),
// following the same wrap-with-context idiom the rest of the pack uses in place of
// bare fmt.Errorf chains.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// KindOf reports the classification, or KindUnknown if err wasn't built by this
// package (including nil).
func KindOf(err error) Kind {
	var he *Error
	if errors.As(err, &he) {
		return he.kind
	}
	return KindUnknown
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

func newf(k Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{kind: k, msg: fmt.Sprintf(format, args...), err: cause}
}

// TransientBroker wraps cause as a retryable broker failure.
func TransientBroker(cause error, format string, args ...interface{}) error {
	return newf(KindTransientBroker, errors.WithStack(cause), format, args...)
}

// TaskNack reports that a task was rejected or never acknowledged.
func TaskNack(format string, args ...interface{}) error {
	return newf(KindTaskNack, nil, format, args...)
}

// StateStore wraps cause as a state-store persistence failure.
func StateStore(cause error, format string, args ...interface{}) error {
	return newf(KindStateStore, errors.WithStack(cause), format, args...)
}

// InvalidInput reports a malformed request, not retryable.
func InvalidInput(format string, args ...interface{}) error {
	return newf(KindInvalidInput, nil, format, args...)
}

// QueueFull reports that the scheduler's intake is saturated.
func QueueFull(format string, args ...interface{}) error {
	return newf(KindQueueFull, nil, format, args...)
}

// Invariant reports a programmer error. Callers are expected to fail fast: log at
// error/panic level and refuse to proceed, never silently retry.
func Invariant(format string, args ...interface{}) error {
	return newf(KindInvariant, nil, format, args...)
}
