package interrupt

import (
	"context"
	"sync/atomic"
	"time"
)

// Step is one unit of task work producing one partial result. Steps
// are the only interruption granularity: a running step is never
// cancelled from outside, it is expected to poll CheckInterrupt itself
// if it runs long.
type Step struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}

// Task is an ordered sequence of steps executed under interrupt
// checkpoints.
type Task struct {
	ID    string
	Name  string
	Steps []Step
}

// PartialExecutionResult describes how far a task got. Interruption is a
// result variant, not an error: a task stopped at a step boundary
// returns a resumable result with a nil error. PartialResults holds one
// entry per completed step, in step order; a resumed run appends to the
// prior entries rather than recomputing them.
type PartialExecutionResult struct {
	TaskID          string    `json:"task_id"`
	TaskName        string    `json:"task_name"`
	CompletedSteps  int       `json:"completed_steps"`
	TotalSteps      int       `json:"total_steps"`
	PartialResults  []any     `json:"partial_results"`
	InterruptReason string    `json:"interrupt_reason,omitempty"`
	Resumable       bool      `json:"resumable"`
	FinishedAt      time.Time `json:"finished_at"`
}

// Complete reports whether every step ran.
func (r *PartialExecutionResult) Complete() bool {
	return r.CompletedSteps == r.TotalSteps
}

// Controller is the shared interrupt flag. Signalling is sticky until
// Clear, and safe from any goroutine (typically a signal handler).
type Controller struct {
	reason atomic.Pointer[string]
}

// NewController creates a controller in the not-interrupted state.
func NewController() *Controller {
	return &Controller{}
}

// Signal requests an interrupt with the given reason. Later signals do
// not overwrite an earlier pending reason.
func (c *Controller) Signal(reason string) {
	c.reason.CompareAndSwap(nil, &reason)
}

// Clear resets the controller so a resumed task can run.
func (c *Controller) Clear() {
	c.reason.Store(nil)
}

// IsInterrupted reports whether an interrupt is pending and why.
func (c *Controller) IsInterrupted() (bool, string) {
	if r := c.reason.Load(); r != nil {
		return true, *r
	}
	return false, ""
}
