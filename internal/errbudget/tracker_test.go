package errbudget

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
)

func TestNewTracker_Validation(t *testing.T) {
	_, err := NewTracker(0, 10, 1.5, 0)
	require.Error(t, err)

	_, err = NewTracker(0, -1, 0.1, 0)
	require.Error(t, err)

	_, err = NewTracker(0, 10, 0.1, -1)
	require.Error(t, err)
}

func TestFailureRate_EmptyIsZero(t *testing.T) {
	tr, err := NewTracker(1, 100, 0.10, 50)
	require.NoError(t, err)

	assert.Equal(t, 0.0, tr.FailureRate())
	assert.False(t, tr.ThresholdExceeded())
}

func TestWithinBudget(t *testing.T) {
	// 92 successes, 8 failures against a 10% ceiling: within budget.
	tr, err := NewTracker(1, 100, 0.10, 50)
	require.NoError(t, err)

	for i := 0; i < 92; i++ {
		tr.RecordSuccess()
	}
	for i := 0; i < 8; i++ {
		tr.RecordFailure()
	}

	assert.InDelta(t, 0.08, tr.FailureRate(), 1e-9)
	assert.False(t, tr.ThresholdExceeded())
	assert.True(t, tr.CanMarkSuccess(config.ModeProduction))
}

func TestBudgetExceeded(t *testing.T) {
	// 60 successes, 40 failures: production fails, dev passes the floor.
	tr, err := NewTracker(1, 100, 0.10, 50)
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		tr.RecordSuccess()
	}
	for i := 0; i < 40; i++ {
		tr.RecordFailure()
	}

	assert.True(t, tr.ThresholdExceeded())
	assert.False(t, tr.CanMarkSuccess(config.ModeProduction))
	assert.True(t, tr.CanMarkSuccess(config.ModeDev))
}

func TestDevFloorNotMet(t *testing.T) {
	tr, err := NewTracker(1, 100, 0.10, 50)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		tr.RecordSuccess()
	}
	for i := 0; i < 80; i++ {
		tr.RecordFailure()
	}

	assert.False(t, tr.CanMarkSuccess(config.ModeDev))
}

func TestDevFloorCappedAtTotal(t *testing.T) {
	// A 10-item phase with a floor of 50 passes once all 10 succeed.
	tr, err := NewTracker(2, 10, 0.10, 50)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		tr.RecordSuccess()
	}

	assert.True(t, tr.CanMarkSuccess(config.ModeDev))
}

func TestConservation(t *testing.T) {
	tr, err := NewTracker(3, 500, 0.10, 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if (n+j)%7 == 0 {
					tr.RecordFailure()
				} else {
					tr.RecordSuccess()
				}
			}
		}(i)
	}
	wg.Wait()

	state := tr.Snapshot()
	assert.Equal(t, int64(500), state.SuccessfulItems+state.FailedItems)
	assert.Equal(t, int64(500), tr.Processed())
	assert.GreaterOrEqual(t, state.FailureRate, 0.0)
	assert.LessOrEqual(t, state.FailureRate, 1.0)
}

func TestSnapshot(t *testing.T) {
	tr, err := NewTracker(4, 3, 0.5, 1)
	require.NoError(t, err)

	tr.RecordSuccess()
	tr.RecordFailure()

	state := tr.Snapshot()
	assert.Equal(t, 4, state.PhaseID)
	assert.Equal(t, 0.5, state.MaxFailureRate)
	assert.Equal(t, int64(3), state.TotalItems)
	assert.Equal(t, int64(1), state.SuccessfulItems)
	assert.Equal(t, int64(1), state.FailedItems)
	assert.Equal(t, 0.5, state.FailureRate)
}
