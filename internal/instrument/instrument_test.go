package instrument

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildMetrics_Empty(t *testing.T) {
	in := New("score", "Score documents", 100, nil)

	m := in.BuildMetrics()
	assert.Equal(t, "score", m.PhaseID)
	assert.Equal(t, "Score documents", m.Name)
	assert.Zero(t, m.DurationMS)
	assert.Zero(t, m.ItemsProcessed)
	assert.Equal(t, 100, m.ItemsTotal)
	assert.Zero(t, m.Progress)
	assert.Zero(t, m.Throughput)
	assert.Empty(t, m.Warnings)
	assert.Empty(t, m.Errors)
	assert.Equal(t, LatencySummary{}, m.LatencyHistogram)
	assert.Empty(t, m.Anomalies)
}

func TestStartCompleteBracket(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	in := New("score", "Score documents", 4, nil, WithNow(func() time.Time { return *clock }))

	in.Start()
	*clock = now.Add(2 * time.Second)

	// Live snapshot mid-phase.
	in.Increment(10 * time.Millisecond)
	live := in.BuildMetrics()
	assert.Equal(t, 2000.0, live.DurationMS)
	assert.Equal(t, 1, live.ItemsProcessed)
	assert.InDelta(t, 0.25, live.Progress, 1e-9)

	*clock = now.Add(4 * time.Second)
	in.Complete()

	in.Increment(20 * time.Millisecond)
	in.Increment(30 * time.Millisecond)
	in.Increment(40 * time.Millisecond)

	m := in.BuildMetrics()
	assert.Equal(t, 4000.0, m.DurationMS)
	assert.Equal(t, 4, m.ItemsProcessed)
	assert.Equal(t, 1.0, m.Progress)
	assert.InDelta(t, 1.0, m.Throughput, 1e-9)
}

func TestLatencyQuantiles(t *testing.T) {
	in := New("score", "Score documents", 100, nil)
	for i := 1; i <= 100; i++ {
		in.Increment(time.Duration(i) * time.Millisecond)
	}

	m := in.BuildMetrics()
	assert.Equal(t, 50.0, m.LatencyHistogram.P50)
	assert.Equal(t, 95.0, m.LatencyHistogram.P95)
	assert.Equal(t, 99.0, m.LatencyHistogram.P99)
}

func TestLatencyQuantiles_SingleSample(t *testing.T) {
	in := New("ingest", "Ingest corpus", 1, nil)
	in.Increment(7 * time.Millisecond)

	m := in.BuildMetrics()
	assert.Equal(t, 7.0, m.LatencyHistogram.P50)
	assert.Equal(t, 7.0, m.LatencyHistogram.P95)
	assert.Equal(t, 7.0, m.LatencyHistogram.P99)
}

func TestRecordWarningAndError(t *testing.T) {
	in := New("score", "Score documents", 10, nil)

	in.RecordWarning("timeout", "item timed out", map[string]any{"item": "doc-3"})
	in.RecordError("parse", "malformed document", map[string]any{"item": "doc-7"})

	m := in.BuildMetrics()
	require.Len(t, m.Warnings, 1)
	require.Len(t, m.Errors, 1)
	assert.Equal(t, "timeout", m.Warnings[0].Category)
	assert.Equal(t, "item timed out", m.Warnings[0].Message)
	assert.Equal(t, "doc-3", m.Warnings[0].Extra["item"])
	assert.Equal(t, "parse", m.Errors[0].Category)
}

func TestBuildMetrics_SnapshotIsolation(t *testing.T) {
	in := New("score", "Score documents", 10, nil)
	in.RecordWarning("timeout", "first", nil)

	first := in.BuildMetrics()
	in.RecordWarning("timeout", "second", nil)

	// Earlier snapshot is unaffected by later recording.
	assert.Len(t, first.Warnings, 1)
	assert.Len(t, in.BuildMetrics().Warnings, 2)
}

func TestAnomalies_OverflowProcessed(t *testing.T) {
	in := New("score", "Score documents", 2, nil)
	for i := 0; i < 3; i++ {
		in.Increment(time.Millisecond)
	}

	m := in.BuildMetrics()
	assert.Equal(t, 1.0, m.Progress)
	assert.Contains(t, m.Anomalies, "items_processed exceeds items_total")
}

func TestConcurrentIncrements(t *testing.T) {
	in := New("score", "Score documents", 1000, nil)

	done := make(chan struct{})
	for w := 0; w < 10; w++ {
		go func() {
			for i := 0; i < 100; i++ {
				in.Increment(time.Millisecond)
			}
			done <- struct{}{}
		}()
	}
	for w := 0; w < 10; w++ {
		<-done
	}

	m := in.BuildMetrics()
	assert.Equal(t, 1000, m.ItemsProcessed)
	assert.Equal(t, 1.0, m.Progress)
}
