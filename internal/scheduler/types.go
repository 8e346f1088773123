// Package scheduler drives the fixed, ordered sequence of pipeline
// phases.
//
// The scheduler composes the governor, error budget trackers, the
// interrupt runner, and instrumentation: phases run strictly in order,
// constitutional invariants are validated with exact equality, and the
// run ends in one of SUCCESS, PARTIAL_SUCCESS, FAILED, or ABORTED.
package scheduler

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/errbudget"
	"github.com/fyrsmithlabs/scorepipe/internal/governor"
	"github.com/fyrsmithlabs/scorepipe/internal/instrument"
)

// Status is the terminal outcome of a phase or of the whole run.
type Status string

const (
	StatusSuccess        Status = "SUCCESS"
	StatusPartialSuccess Status = "PARTIAL_SUCCESS"
	StatusFailed         Status = "FAILED"
	StatusAborted        Status = "ABORTED"

	// StatusNotStarted is reported for a run that has not executed any
	// phase yet. It is never a phase outcome.
	StatusNotStarted Status = "NOT_STARTED"
)

// RunState is the scheduler's lifecycle state.
type RunState string

const (
	RunNotStarted RunState = "NOT_STARTED"
	RunRunning    RunState = "RUNNING"
	RunCompleted  RunState = "COMPLETED"
	RunFailed     RunState = "FAILED"
	RunAborted    RunState = "ABORTED"
)

// Phase is one stage in the canonical execution order. Invariants map a
// declared output count name to the exact value the handler must
// produce; they are never relaxed by mode.
type Phase struct {
	ID         int
	Name       string
	Invariants map[string]int
	Handler    Handler
}

// Handler executes the domain work for one phase. Handlers must not
// swallow abort errors: an *AbortError or *governor.LimitError returned
// by a collaborator is propagated, never absorbed.
type Handler interface {
	Execute(ctx context.Context, in *Input) (*Output, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in *Input) (*Output, error)

func (f HandlerFunc) Execute(ctx context.Context, in *Input) (*Output, error) {
	return f(ctx, in)
}

// Input carries the run collaborators into a phase handler.
type Input struct {
	RunID      string
	PhaseID    int
	PhaseName  string
	Mode       config.Mode
	Governor   *governor.Governor
	Instrument *instrument.Instrumentation
	Pool       *Pool

	// Prior holds the outputs of already completed phases, by phase ID.
	Prior map[int]*Output

	// Extra is reserved for genuinely phase-specific values.
	Extra map[string]any

	newTracker func(total int64) (*errbudget.Tracker, error)
}

// Budget creates the phase's error budget tracker for the declared item
// total and registers it with the scheduler for the end-of-phase
// decision and the run report.
func (in *Input) Budget(total int64) (*errbudget.Tracker, error) {
	in.Instrument.SetItemsTotal(int(total))
	return in.newTracker(total)
}

// Output is a phase's typed result. Counts are the declared output
// counts checked against the phase's invariants. Resumable marks a
// phase that was interrupted mid-work and kept enough stored progress
// to finish on a later execution; the run never completes while it is
// set.
type Output struct {
	Counts    map[string]int
	Values    map[string]any
	Extra     map[string]any
	Resumable bool
}

// PhaseExecutionResult wraps one phase execution for the report.
type PhaseExecutionResult struct {
	PhaseID     int                     `json:"phase_id"`
	Name        string                  `json:"name"`
	Success     bool                    `json:"success"`
	Status      Status                  `json:"status"`
	Output      map[string]int          `json:"output,omitempty"`
	Metrics     instrument.PhaseMetrics `json:"metrics"`
	Errors      []string                `json:"errors,omitempty"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// AbortStatus describes whether and why the run was aborted.
type AbortStatus struct {
	IsAborted bool      `json:"is_aborted"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}
