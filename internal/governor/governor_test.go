package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/logging"
)

// stubSampler replays a queued sequence of readings, repeating the last
// one once the queue drains.
type stubSampler struct {
	readings []Snapshot
	idx      int
}

func (s *stubSampler) Usage() (float64, float64, float64, error) {
	r := s.readings[s.idx]
	if s.idx < len(s.readings)-1 {
		s.idx++
	}
	return r.CPUPercent, r.MemoryPercent, r.RSSMB, nil
}

func reading(cpu, rssMB float64) Snapshot {
	return Snapshot{CPUPercent: cpu, MemoryPercent: rssMB / 40.96, RSSMB: rssMB}
}

func testConfig() config.GovernorConfig {
	return config.GovernorConfig{
		MaxMemoryMB:     100,
		MaxCPUPercent:   85,
		MaxWorkers:      8,
		MinWorkers:      1,
		DebounceWindow:  3,
		HistorySize:     16,
		BreakerCooldown: config.Duration(5 * time.Second),
	}
}

func newTestGovernor(t *testing.T, cfg config.GovernorConfig, mode config.Mode, readings ...Snapshot) *Governor {
	t.Helper()
	g, err := New(cfg, mode, logging.NewNop(), WithSampler(&stubSampler{readings: readings}))
	require.NoError(t, err)
	return g
}

func TestNew_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.MinWorkers = 0
	_, err := New(cfg, config.ModeProduction, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.MaxWorkers = 1
	cfg.MinWorkers = 4
	_, err = New(cfg, config.ModeProduction, nil)
	require.Error(t, err)
}

func TestSample_AppendsBoundedHistory(t *testing.T) {
	cfg := testConfig()
	cfg.HistorySize = 4
	g := newTestGovernor(t, cfg, config.ModeProduction, reading(10, 50))

	for i := 0; i < 10; i++ {
		_, err := g.Sample(context.Background())
		require.NoError(t, err)
	}

	history := g.History()
	assert.Len(t, history, 4)
	assert.Equal(t, 8, history[len(history)-1].WorkerBudget)
}

func TestSample_RateLimitedReturnsCached(t *testing.T) {
	cfg := testConfig()
	cfg.SamplingInterval = config.Duration(time.Hour)
	g := newTestGovernor(t, cfg, config.ModeProduction, reading(10, 50), reading(99, 999))

	first, err := g.Sample(context.Background())
	require.NoError(t, err)

	second, err := g.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, g.History(), 1)
}

func TestCeilingChecks(t *testing.T) {
	g := newTestGovernor(t, testConfig(), config.ModeProduction, reading(90, 150))

	// No samples yet: nothing exceeded.
	assert.False(t, g.CheckMemoryExceeded())
	assert.False(t, g.CheckCPUExceeded())

	_, err := g.Sample(context.Background())
	require.NoError(t, err)

	assert.True(t, g.CheckMemoryExceeded())
	assert.True(t, g.CheckCPUExceeded())
}

func TestEnforce_StrictAbortsOnMemory(t *testing.T) {
	g := newTestGovernor(t, testConfig(), config.ModeProduction, reading(10, 150))

	err := g.Enforce(context.Background(), 1, "score")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory")

	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "memory", limitErr.Resource)
	assert.Equal(t, 150.0, limitErr.Usage)
	assert.Equal(t, 100.0, limitErr.Limit)
}

func TestEnforce_DevThrottles(t *testing.T) {
	g := newTestGovernor(t, testConfig(), config.ModeDev, reading(10, 150))

	err := g.Enforce(context.Background(), 1, "score")
	require.NoError(t, err)

	breaches := g.Breaches()
	require.Len(t, breaches, 1)
	assert.Equal(t, "memory", breaches[0].Resource)
	assert.True(t, breaches[0].Throttled)
	assert.Less(t, g.WorkerBudget(), 8)
}

func TestEnforce_TransientSpikeDebounced(t *testing.T) {
	// Two healthy snapshots then one spike: majority of the window is
	// healthy, so strict mode does not abort.
	g := newTestGovernor(t, testConfig(), config.ModeProduction,
		reading(10, 50), reading(12, 52), reading(10, 150))

	_, err := g.Sample(context.Background())
	require.NoError(t, err)
	_, err = g.Sample(context.Background())
	require.NoError(t, err)

	err = g.Enforce(context.Background(), 1, "score")
	require.NoError(t, err)

	// The spike is still recorded.
	require.Len(t, g.Breaches(), 1)
	assert.True(t, g.Breaches()[0].Throttled)
}

func TestAdaptWorkerBudget_Bounds(t *testing.T) {
	g := newTestGovernor(t, testConfig(), config.ModeDev, reading(99, 500))

	for i := 0; i < 20; i++ {
		_, err := g.Sample(context.Background())
		require.NoError(t, err)
		budget := g.AdaptWorkerBudget()
		assert.GreaterOrEqual(t, budget, 1)
		assert.LessOrEqual(t, budget, 8)
	}
	assert.Equal(t, 1, g.WorkerBudget())
}

func TestAdaptWorkerBudget_RestoresOnSustainedCalm(t *testing.T) {
	g := newTestGovernor(t, testConfig(), config.ModeDev,
		reading(99, 500), reading(99, 500), reading(99, 500),
		reading(5, 10))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := g.Sample(ctx)
		require.NoError(t, err)
	}
	g.AdaptWorkerBudget()
	throttled := g.WorkerBudget()
	require.Less(t, throttled, 8)

	// Sustained calm refills the window and the budget climbs back.
	for i := 0; i < 10; i++ {
		_, err := g.Sample(ctx)
		require.NoError(t, err)
		g.AdaptWorkerBudget()
	}
	assert.Equal(t, 8, g.WorkerBudget())
}

func TestCanExecute_BreakerLifecycle(t *testing.T) {
	now := time.Now()
	clock := &now
	cfg := testConfig()
	cfg.BreakerCooldown = config.Duration(time.Minute)

	g, err := New(cfg, config.ModeDev, logging.NewNop(),
		WithSampler(&stubSampler{readings: []Snapshot{reading(10, 150), reading(10, 50)}}),
		WithNow(func() time.Time { return *clock }),
	)
	require.NoError(t, err)

	require.NoError(t, g.Enforce(context.Background(), 0, "ingest"))

	ok, reason := g.CanExecute()
	assert.False(t, ok)
	assert.Contains(t, reason, "circuit breaker open")

	// Cooldown elapses and the next sample is healthy: admission resumes.
	*clock = now.Add(2 * time.Minute)
	for i := 0; i < 3; i++ {
		_, err := g.Sample(context.Background())
		require.NoError(t, err)
	}

	ok, reason = g.CanExecute()
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCanExecute_LatestSnapshotGates(t *testing.T) {
	g := newTestGovernor(t, testConfig(), config.ModeProduction, reading(99, 50))
	_, err := g.Sample(context.Background())
	require.NoError(t, err)

	ok, reason := g.CanExecute()
	assert.False(t, ok)
	assert.Contains(t, reason, "cpu")
}
