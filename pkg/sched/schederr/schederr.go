// Package schederr defines the scheduler's error-kind taxonomy. Every
// error that crosses a component boundary is classified so callers can
// dispatch on it without string matching.
package schederr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	// KindUnknown is the zero value; never intentionally constructed.
	KindUnknown Kind = iota
	// KindTransient indicates the operation may simply be retried
	// as-is (e.g. a momentary state backend timeout).
	KindTransient
	// KindRecoverable indicates the caller should retry after taking
	// some corrective action (e.g. re-fetching stale state).
	KindRecoverable
	// KindFatalToJob indicates the error dooms the job that triggered
	// it but leaves the scheduler and other jobs unaffected.
	KindFatalToJob
	// KindFatalToScheduler indicates the error is unrecoverable and the
	// scheduler process should stop making progress.
	KindFatalToScheduler
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRecoverable:
		return "recoverable"
	case KindFatalToJob:
		return "fatal_to_job"
	case KindFatalToScheduler:
		return "fatal_to_scheduler"
	default:
		return "unknown"
	}
}

// SchedulerError wraps an underlying error with a Kind and optional
// structured fields for logging.
type SchedulerError struct {
	kind   Kind
	err    error
	Fields map[string]string
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *SchedulerError) Unwrap() error { return e.err }

// GetKind returns the error's classification.
func (e *SchedulerError) GetKind() Kind { return e.kind }

func wrap(kind Kind, err error, fields map[string]string) *SchedulerError {
	return &SchedulerError{kind: kind, err: err, Fields: fields}
}

// Transient constructs a transient SchedulerError.
func Transient(err error) error { return wrap(KindTransient, err, nil) }

// Recoverable constructs a recoverable SchedulerError.
func Recoverable(err error) error { return wrap(KindRecoverable, err, nil) }

// FatalToJob constructs a job-fatal SchedulerError.
func FatalToJob(err error) error { return wrap(KindFatalToJob, err, nil) }

// FatalToScheduler constructs a scheduler-fatal SchedulerError.
func FatalToScheduler(err error) error { return wrap(KindFatalToScheduler, err, nil) }

// Transientf formats a transient SchedulerError.
func Transientf(format string, args ...interface{}) error {
	return wrap(KindTransient, fmt.Errorf(format, args...), nil)
}

// Recoverablef formats a recoverable SchedulerError.
func Recoverablef(format string, args ...interface{}) error {
	return wrap(KindRecoverable, fmt.Errorf(format, args...), nil)
}

// FatalToJobf formats a job-fatal SchedulerError.
func FatalToJobf(format string, args ...interface{}) error {
	return wrap(KindFatalToJob, fmt.Errorf(format, args...), nil)
}

// FatalToSchedulerf formats a scheduler-fatal SchedulerError.
func FatalToSchedulerf(format string, args ...interface{}) error {
	return wrap(KindFatalToScheduler, fmt.Errorf(format, args...), nil)
}

// KindOf returns the Kind of err if it is (or wraps) a *SchedulerError,
// or KindUnknown otherwise.
func KindOf(err error) Kind {
	var se *SchedulerError
	if errors.As(err, &se) {
		return se.kind
	}
	return KindUnknown
}

// Is reports whether err is classified as the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
