// Package errbudget tracks per-phase error tolerance.
//
// Large fan-out phases score hundreds of near-independent documents; a
// handful of isolated failures should not abort the entire run. The
// tracker is the formal contract for how many isolated failures are
// tolerable, distinct from constitutional invariant violations which are
// never tolerated.
package errbudget

import (
	"fmt"
	"sync/atomic"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
)

// Tracker accumulates success/failure counts for a single phase run.
//
// Record methods are safe for concurrent use by pool workers.
type Tracker struct {
	phaseID        int
	maxFailureRate float64
	successFloor   int

	total     int64
	successes atomic.Int64
	failures  atomic.Int64
}

// State is the serializable snapshot of a tracker, consumed at phase end
// and embedded in the run report.
type State struct {
	PhaseID         int     `json:"phase_id"`
	MaxFailureRate  float64 `json:"max_failure_rate"`
	TotalItems      int64   `json:"total_items"`
	SuccessfulItems int64   `json:"successful_items"`
	FailedItems     int64   `json:"failed_items"`
	FailureRate     float64 `json:"failure_rate"`
}

// NewTracker creates a tracker for one phase run.
//
// total is the number of items the phase plans to process;
// maxFailureRate is the failure rate ceiling in [0,1]; successFloor is
// the absolute success count lenient mode requires.
func NewTracker(phaseID int, total int64, maxFailureRate float64, successFloor int) (*Tracker, error) {
	if maxFailureRate < 0 || maxFailureRate > 1 {
		return nil, fmt.Errorf("max failure rate must be in [0,1], got %f", maxFailureRate)
	}
	if total < 0 {
		return nil, fmt.Errorf("total items cannot be negative, got %d", total)
	}
	if successFloor < 0 {
		return nil, fmt.Errorf("success floor cannot be negative, got %d", successFloor)
	}
	return &Tracker{
		phaseID:        phaseID,
		maxFailureRate: maxFailureRate,
		successFloor:   successFloor,
		total:          total,
	}, nil
}

// RecordSuccess counts one successfully processed item.
func (t *Tracker) RecordSuccess() {
	t.successes.Add(1)
}

// RecordFailure counts one failed item.
func (t *Tracker) RecordFailure() {
	t.failures.Add(1)
}

// Processed returns the number of items recorded so far.
func (t *Tracker) Processed() int64 {
	return t.successes.Load() + t.failures.Load()
}

// FailureRate returns failed/(failed+successful), or 0.0 when nothing
// has been processed. The result is always in [0,1].
func (t *Tracker) FailureRate() float64 {
	successes := t.successes.Load()
	failures := t.failures.Load()
	processed := successes + failures
	if processed == 0 {
		return 0.0
	}
	return float64(failures) / float64(processed)
}

// ThresholdExceeded reports whether the failure rate is above the ceiling.
func (t *Tracker) ThresholdExceeded() bool {
	return t.FailureRate() > t.maxFailureRate
}

// CanMarkSuccess decides whether the phase may be marked successful.
//
// Production mode requires the failure rate ceiling to hold. Dev mode
// trades the rate ceiling for forward progress: the phase passes as long
// as an absolute floor of successes was reached, capped at the planned
// total so small phases stay passable.
func (t *Tracker) CanMarkSuccess(mode config.Mode) bool {
	if mode.Strict() {
		return !t.ThresholdExceeded()
	}
	floor := int64(t.successFloor)
	if t.total > 0 && floor > t.total {
		floor = t.total
	}
	return t.successes.Load() >= floor
}

// Snapshot returns the current state for reporting.
func (t *Tracker) Snapshot() State {
	return State{
		PhaseID:         t.phaseID,
		MaxFailureRate:  t.maxFailureRate,
		TotalItems:      t.total,
		SuccessfulItems: t.successes.Load(),
		FailedItems:     t.failures.Load(),
		FailureRate:     t.FailureRate(),
	}
}
