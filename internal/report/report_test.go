package report

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/governor"
	"github.com/fyrsmithlabs/scorepipe/internal/interrupt"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
)

type steadySampler struct{}

func (steadySampler) Usage() (float64, float64, float64, error) {
	return 12.0, 3.0, 64.0, nil
}

var fixedClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// runFixture executes a deterministic two-phase run and returns an
// exporter over it.
func runFixture(t *testing.T) *Exporter {
	t.Helper()

	cfg := &config.Config{
		Mode: config.ModeProduction,
		Governor: config.GovernorConfig{
			MaxMemoryMB:    2048,
			MaxCPUPercent:  85,
			MaxWorkers:     4,
			MinWorkers:     1,
			DebounceWindow: 3,
			HistorySize:    16,
		},
		Budget: config.BudgetConfig{MaxFailureRate: 0.10, DevSuccessFloor: 50},
	}

	now := func() time.Time { return fixedClock }
	gov, err := governor.New(cfg.Governor, cfg.Mode, nil,
		governor.WithSampler(steadySampler{}), governor.WithNow(now))
	require.NoError(t, err)

	sched, err := scheduler.New(cfg, gov, interrupt.NewController(), nil, scheduler.WithNow(now))
	require.NoError(t, err)

	require.NoError(t, sched.Register(scheduler.Phase{
		ID:         0,
		Name:       "ingest",
		Invariants: map[string]int{"documents": 3},
		Handler: scheduler.HandlerFunc(func(ctx context.Context, in *scheduler.Input) (*scheduler.Output, error) {
			return &scheduler.Output{Counts: map[string]int{"documents": 3}}, nil
		}),
	}))
	require.NoError(t, sched.Register(scheduler.Phase{
		ID:   1,
		Name: "score",
		Handler: scheduler.HandlerFunc(func(ctx context.Context, in *scheduler.Input) (*scheduler.Output, error) {
			tracker, err := in.Budget(3)
			if err != nil {
				return nil, err
			}
			for i := 0; i < 3; i++ {
				tracker.RecordSuccess()
				in.Instrument.Increment(time.Duration(i+1) * time.Millisecond)
			}
			return &scheduler.Output{Counts: map[string]int{"scored": 3}}, nil
		}),
	}))

	_, err = sched.ExecuteAll(context.Background(), 0, 1)
	require.NoError(t, err)

	_, err = gov.Sample(context.Background())
	require.NoError(t, err)

	exp, err := NewExporter(sched, gov, nil, WithNow(now))
	require.NoError(t, err)
	return exp
}

func TestExport_Document(t *testing.T) {
	exp := runFixture(t)

	doc := exp.Export()
	assert.NotEmpty(t, doc.RunID)
	assert.Equal(t, fixedClock, doc.Timestamp)
	assert.Equal(t, scheduler.StatusSuccess, doc.Status)
	assert.Len(t, doc.PhaseMetrics, 2)
	assert.Equal(t, "ingest", doc.PhaseMetrics["0"].Name)
	assert.Equal(t, 3, doc.PhaseMetrics["1"].ItemsProcessed)
	assert.NotEmpty(t, doc.ResourceUsage)
	require.Len(t, doc.ErrorBudgets, 1)
	assert.Equal(t, int64(3), doc.ErrorBudgets[0].SuccessfulItems)
	assert.False(t, doc.AbortStatus.IsAborted)
	assert.Equal(t, scheduler.StatusSuccess, doc.PhaseStatus["0"])
}

func TestPersist_WritesAllArtifacts(t *testing.T) {
	exp := runFixture(t)
	dir := t.TempDir()

	require.NoError(t, exp.Persist(context.Background(), dir))

	for _, name := range []string{PhaseMetricsFile, ResourceUsageFile, HistogramsFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Positive(t, info.Size(), name)
	}
}

func TestPersist_PhaseMetricsDeterministic(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	require.NoError(t, runFixture(t).Persist(context.Background(), dirA))
	require.NoError(t, runFixture(t).Persist(context.Background(), dirB))

	a, err := os.ReadFile(filepath.Join(dirA, PhaseMetricsFile))
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(dirB, PhaseMetricsFile))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPersist_ResourceUsageAppendOrdered(t *testing.T) {
	exp := runFixture(t)
	dir := t.TempDir()
	require.NoError(t, exp.Persist(context.Background(), dir))

	doc, err := ReadDocument(dir)
	require.NoError(t, err)
	require.NotEmpty(t, doc.ResourceUsage)
	for i := 1; i < len(doc.ResourceUsage); i++ {
		assert.False(t, doc.ResourceUsage[i].Timestamp.Before(doc.ResourceUsage[i-1].Timestamp))
	}
}

func TestPersist_HistogramQuantiles(t *testing.T) {
	exp := runFixture(t)
	dir := t.TempDir()
	require.NoError(t, exp.Persist(context.Background(), dir))

	data, err := os.ReadFile(filepath.Join(dir, HistogramsFile))
	require.NoError(t, err)

	var histograms map[string]map[string]float64
	require.NoError(t, json.Unmarshal(data, &histograms))
	require.Contains(t, histograms, "1")
	assert.Equal(t, 2.0, histograms["1"]["p50"])
}

func TestReadDocument_RejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()

	// phase entry missing latency_histogram
	bad := `{"0": {"phase_id": "0", "name": "ingest", "duration_ms": 1,
		"items_processed": 0, "items_total": 0, "progress": 0,
		"throughput": 0, "warnings": [], "errors": [], "anomalies": []}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, PhaseMetricsFile), []byte(bad), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ResourceUsageFile), nil, 0o644))

	_, err := ReadDocument(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "latency_histogram")
}

func TestValidateResourceUsage_RejectsMalformedLine(t *testing.T) {
	err := validateResourceUsage([]byte(`{"timestamp": "2026-03-01T12:00:00Z", "cpu_percent": 1}` + "\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_percent")
}
