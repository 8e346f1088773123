package scheduler

import (
	"fmt"
	"time"
)

// InvariantViolationError reports an exact structural count mismatch.
// It is always fatal, independent of mode, and raised immediately.
type InvariantViolationError struct {
	Phase    string
	Check    string
	Actual   int
	Expected int
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("constitutional invariant %q violated in phase %q: got %d, expected exactly %d",
		e.Check, e.Phase, e.Actual, e.Expected)
}

// ToleranceError reports an error budget blown past its ceiling. In
// production mode it escalates to an abort; in dev mode the phase can
// still pass on the absolute success floor.
type ToleranceError struct {
	Phase       string
	FailureRate float64
	MaxRate     float64
	Successes   int64
	Failures    int64
}

func (e *ToleranceError) Error() string {
	return fmt.Sprintf("error tolerance exceeded in phase %q: failure rate %.3f > %.3f (%d ok, %d failed)",
		e.Phase, e.FailureRate, e.MaxRate, e.Successes, e.Failures)
}

// AbortError is the hard whole-run stop signal. It propagates to the
// top-level caller and terminates the run; only the governor and the
// error tracker raise it, and only in production mode.
type AbortError struct {
	Reason    string
	Timestamp time.Time
	Cause     error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("abort requested: %s", e.Reason)
}

func (e *AbortError) Unwrap() error {
	return e.Cause
}

// newAbort wraps a cause into an AbortError stamped now.
func newAbort(reason string, cause error, now time.Time) *AbortError {
	return &AbortError{Reason: reason, Timestamp: now, Cause: cause}
}
