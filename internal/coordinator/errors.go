package coordinator

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jcmexdev/civic-records/internal/coordinator/sagalog"
)

// StepExecutionError reports a step that failed and whose saga was fully
// compensated. Nothing the saga did remains visible.
type StepExecutionError struct {
	SagaID        string
	Correlation   string
	Step          string
	StepIndex     int
	RetryableStep bool
	Err           error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("saga %s: step %d (%s) failed: %v", e.SagaID, e.StepIndex, e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error         { return e.Err }
func (e *StepExecutionError) CorrelationID() string { return e.Correlation }

// Retryable reports whether running the same request again may succeed.
func (e *StepExecutionError) Retryable() bool { return e.RetryableStep }

// LockTimeoutError means the resource stayed locked for the whole wait
// window. No step ran.
type LockTimeoutError struct {
	ResourceID  string
	Correlation string
	Waited      time.Duration
	Err         error
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("resource %s still locked after %s", e.ResourceID, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error         { return e.Err }
func (e *LockTimeoutError) CorrelationID() string { return e.Correlation }

// IdempotencyConflictError means a request with the same key is still
// running. The caller should retry shortly.
type IdempotencyConflictError struct {
	Key         string
	Correlation string
	Err         error
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("request with idempotency key %q is still in flight", e.Key)
}

func (e *IdempotencyConflictError) Unwrap() error         { return e.Err }
func (e *IdempotencyConflictError) CorrelationID() string { return e.Correlation }

// CompensationError reports a poisoned saga: a step failed and at least one
// compensation failed too, so partial effects remain and need an operator.
type CompensationError struct {
	SagaID      string
	Correlation string

	// FailedSteps are the names of the steps whose compensation failed.
	FailedSteps []string

	// History is every step record of the saga at the time it gave up.
	History []sagalog.StepRecord

	// Cause is the step failure that started compensation.
	Cause error

	// Err aggregates the compensation failures.
	Err error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation failed for %s after: %v",
		e.SagaID, strings.Join(e.FailedSteps, ", "), e.Cause)
}

func (e *CompensationError) Unwrap() []error      { return []error{e.Err, e.Cause} }
func (e *CompensationError) CorrelationID() string { return e.Correlation }

// QuarantinedError refuses a saga on a resource that still has an
// unresolved poisoned saga.
type QuarantinedError struct {
	ResourceID   string
	PoisonedSaga string
	Correlation  string
}

func (e *QuarantinedError) Error() string {
	return fmt.Sprintf("resource %s is quarantined by poisoned saga %s", e.ResourceID, e.PoisonedSaga)
}

func (e *QuarantinedError) CorrelationID() string { return e.Correlation }

// retryableError marks a step failure as transient.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient: the request can be retried as is.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err, or anything it wraps, was marked with
// Retryable.
func IsRetryable(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

func IsLockTimeout(err error) bool {
	var e *LockTimeoutError
	return errors.As(err, &e)
}

func IsIdempotencyConflict(err error) bool {
	var e *IdempotencyConflictError
	return errors.As(err, &e)
}

func IsCompensationFailure(err error) bool {
	var e *CompensationError
	return errors.As(err, &e)
}

func IsQuarantined(err error) bool {
	var e *QuarantinedError
	return errors.As(err, &e)
}

// CorrelationIDOf returns the correlation id carried by err, or "".
func CorrelationIDOf(err error) string {
	var c interface{ CorrelationID() string }
	if errors.As(err, &c) {
		return c.CorrelationID()
	}
	return ""
}
