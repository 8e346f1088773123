// Package governor enforces the CPU/memory budget for a pipeline run.
//
// The governor samples process resource usage into a bounded history,
// exposes an admission gate backed by a circuit breaker, and adapts the
// live worker budget over a debounce window so a single transient spike
// never resizes the pool.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/scorepipe/internal/governor"

// LimitError reports a confirmed resource ceiling breach.
type LimitError struct {
	Resource string // "memory" or "cpu"
	Usage    float64
	Limit    float64
	Phase    string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded in phase %q: %.1f > %.1f", e.Resource, e.Phase, e.Usage, e.Limit)
}

// Breach records one observed ceiling violation. Every breach is
// recorded regardless of mode.
type Breach struct {
	Timestamp time.Time `json:"timestamp"`
	Resource  string    `json:"resource"`
	Usage     float64   `json:"usage"`
	Limit     float64   `json:"limit"`
	Phase     string    `json:"phase"`
	Throttled bool      `json:"throttled"`
}

// Governor owns resource sampling, admission, and the worker budget.
type Governor struct {
	cfg    config.GovernorConfig
	mode   config.Mode
	logger *logging.Logger

	sampler Sampler
	limiter *rate.Limiter
	now     func() time.Time

	meter          metric.Meter
	samplesTotal   metric.Int64Counter
	breachesTotal  metric.Int64Counter
	budgetAdjusted metric.Int64Counter

	mu           sync.Mutex
	history      []Snapshot
	breaches     []Breach
	budget       int
	breakerUntil time.Time
	breakerWhy   string
}

// Option configures a Governor.
type Option func(*Governor)

// WithSampler overrides the process sampler (for testing).
func WithSampler(s Sampler) Option {
	return func(g *Governor) { g.sampler = s }
}

// WithNow overrides the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// New creates a governor. The worker budget starts at MaxWorkers.
func New(cfg config.GovernorConfig, mode config.Mode, logger *logging.Logger, opts ...Option) (*Governor, error) {
	if cfg.MinWorkers < 1 {
		return nil, fmt.Errorf("min workers must be at least 1, got %d", cfg.MinWorkers)
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("max workers (%d) must be >= min workers (%d)", cfg.MaxWorkers, cfg.MinWorkers)
	}
	if cfg.DebounceWindow < 1 {
		return nil, fmt.Errorf("debounce window must be at least 1, got %d", cfg.DebounceWindow)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	g := &Governor{
		cfg:     cfg,
		mode:    mode,
		logger:  logger.Named("governor"),
		now:     time.Now,
		budget:  cfg.MaxWorkers,
		history: make([]Snapshot, 0, cfg.HistorySize),
		meter:   otel.Meter(instrumentationName),
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.sampler == nil {
		sampler, err := NewProcessSampler()
		if err != nil {
			return nil, err
		}
		g.sampler = sampler
	}

	interval := cfg.SamplingInterval.Duration()
	if interval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}

	g.initMetrics()

	return g, nil
}

func (g *Governor) initMetrics() {
	var err error

	g.samplesTotal, err = g.meter.Int64Counter(
		"scorepipe.governor.samples_total",
		metric.WithDescription("Total number of resource snapshots taken"),
		metric.WithUnit("{sample}"),
	)
	if err != nil {
		g.logger.Warn(context.Background(), "failed to create samples counter", zap.Error(err))
	}

	g.breachesTotal, err = g.meter.Int64Counter(
		"scorepipe.governor.breaches_total",
		metric.WithDescription("Total number of recorded resource breaches"),
		metric.WithUnit("{breach}"),
	)
	if err != nil {
		g.logger.Warn(context.Background(), "failed to create breaches counter", zap.Error(err))
	}

	g.budgetAdjusted, err = g.meter.Int64Counter(
		"scorepipe.governor.budget_adjustments_total",
		metric.WithDescription("Total number of worker budget changes"),
		metric.WithUnit("{adjustment}"),
	)
	if err != nil {
		g.logger.Warn(context.Background(), "failed to create budget counter", zap.Error(err))
	}
}

// Sample takes a resource snapshot and appends it to the bounded
// history, evicting the oldest entry on overflow.
//
// Calls arriving faster than the sampling interval return the most
// recent snapshot instead of re-reading the process.
func (g *Governor) Sample(ctx context.Context) (Snapshot, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		g.mu.Lock()
		if n := len(g.history); n > 0 {
			snap := g.history[n-1]
			g.mu.Unlock()
			return snap, nil
		}
		g.mu.Unlock()
	}

	cpu, memPct, rssMB, err := g.sampler.Usage()
	if err != nil {
		return Snapshot{}, fmt.Errorf("resource sample failed: %w", err)
	}

	g.mu.Lock()
	snap := Snapshot{
		Timestamp:     g.now(),
		CPUPercent:    cpu,
		MemoryPercent: memPct,
		RSSMB:         rssMB,
		WorkerBudget:  g.budget,
	}
	if g.cfg.HistorySize > 0 && len(g.history) >= g.cfg.HistorySize {
		g.history = g.history[1:]
	}
	g.history = append(g.history, snap)
	g.mu.Unlock()

	if g.samplesTotal != nil {
		g.samplesTotal.Add(ctx, 1)
	}

	return snap, nil
}

// CheckMemoryExceeded reports whether the latest snapshot is over the
// memory ceiling. O(1).
func (g *Governor) CheckMemoryExceeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.history)
	return n > 0 && g.history[n-1].RSSMB > g.cfg.MaxMemoryMB
}

// CheckCPUExceeded reports whether the latest snapshot is over the CPU
// ceiling. O(1).
func (g *Governor) CheckCPUExceeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := len(g.history)
	return n > 0 && g.history[n-1].CPUPercent > g.cfg.MaxCPUPercent
}

// CanExecute is the composite admission gate: it refuses admission while
// the circuit breaker is open or the latest snapshot breaches a ceiling.
func (g *Governor) CanExecute() (bool, string) {
	g.mu.Lock()
	breakerOpen := g.now().Before(g.breakerUntil)
	why := g.breakerWhy
	g.mu.Unlock()

	if breakerOpen {
		return false, fmt.Sprintf("circuit breaker open: %s", why)
	}
	if g.CheckMemoryExceeded() {
		return false, "memory usage above ceiling"
	}
	if g.CheckCPUExceeded() {
		return false, "cpu usage above ceiling"
	}
	return true, ""
}

// AdaptWorkerBudget examines the trailing debounce window and resizes
// the live worker budget: halved toward MinWorkers on a majority breach,
// raised one step toward MaxWorkers on sustained low usage. The result
// is always within [MinWorkers, MaxWorkers].
func (g *Governor) AdaptWorkerBudget() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.windowLocked()
	if len(window) == 0 {
		return g.budget
	}

	breaches := 0
	calm := 0
	for _, snap := range window {
		if snap.RSSMB > g.cfg.MaxMemoryMB || snap.CPUPercent > g.cfg.MaxCPUPercent {
			breaches++
		}
		if snap.RSSMB < g.cfg.MaxMemoryMB/2 && snap.CPUPercent < g.cfg.MaxCPUPercent/2 {
			calm++
		}
	}

	before := g.budget
	switch {
	case 2*breaches > len(window):
		g.budget /= 2
	case calm == len(window):
		g.budget++
	}

	if g.budget < g.cfg.MinWorkers {
		g.budget = g.cfg.MinWorkers
	}
	if g.budget > g.cfg.MaxWorkers {
		g.budget = g.cfg.MaxWorkers
	}

	if g.budget != before {
		if g.budgetAdjusted != nil {
			g.budgetAdjusted.Add(context.Background(), 1)
		}
		g.logger.Debug(context.Background(), "worker budget adapted",
			zap.Int("from", before),
			zap.Int("to", g.budget),
			zap.Int("window_breaches", breaches),
		)
	}

	return g.budget
}

// Enforce samples current usage and applies the mode policy to any
// confirmed breach: production aborts, dev throttles the budget and
// logs a warning. Breaches are recorded in both modes.
//
// A breach is confirmed when a majority of the trailing debounce window
// agrees, so one transient spike never aborts a run.
func (g *Governor) Enforce(ctx context.Context, phaseIndex int, phaseName string) error {
	if _, err := g.Sample(ctx); err != nil {
		return err
	}

	resource, usage, limit, confirmed := g.confirmedBreach()
	if resource == "" {
		return nil
	}

	breach := Breach{
		Timestamp: g.now(),
		Resource:  resource,
		Usage:     usage,
		Limit:     limit,
		Phase:     phaseName,
		Throttled: !g.mode.Strict() || !confirmed,
	}

	g.mu.Lock()
	g.breaches = append(g.breaches, breach)
	g.mu.Unlock()

	if g.breachesTotal != nil {
		g.breachesTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resource", resource),
			attribute.Bool("confirmed", confirmed),
		))
	}

	if !confirmed {
		g.logger.Debug(ctx, "transient resource spike ignored",
			zap.String("resource", resource),
			zap.Float64("usage", usage),
			zap.Float64("limit", limit),
		)
		return nil
	}

	g.tripBreaker(resource)

	if g.mode.Strict() {
		return &LimitError{Resource: resource, Usage: usage, Limit: limit, Phase: phaseName}
	}

	g.AdaptWorkerBudget()
	g.logger.Warn(ctx, "resource breach throttled",
		zap.String("resource", resource),
		zap.Float64("usage", usage),
		zap.Float64("limit", limit),
		zap.Int("phase_index", phaseIndex),
		zap.String("phase", phaseName),
		zap.Int("worker_budget", g.WorkerBudget()),
	)
	return nil
}

// confirmedBreach reports the breached resource on the latest snapshot
// and whether a majority of the debounce window agrees.
func (g *Governor) confirmedBreach() (resource string, usage, limit float64, confirmed bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := len(g.history)
	if n == 0 {
		return "", 0, 0, false
	}

	latest := g.history[n-1]
	switch {
	case latest.RSSMB > g.cfg.MaxMemoryMB:
		resource, usage, limit = "memory", latest.RSSMB, g.cfg.MaxMemoryMB
	case latest.CPUPercent > g.cfg.MaxCPUPercent:
		resource, usage, limit = "cpu", latest.CPUPercent, g.cfg.MaxCPUPercent
	default:
		return "", 0, 0, false
	}

	window := g.windowLocked()
	agree := 0
	for _, snap := range window {
		breached := snap.RSSMB > g.cfg.MaxMemoryMB
		if resource == "cpu" {
			breached = snap.CPUPercent > g.cfg.MaxCPUPercent
		}
		if breached {
			agree++
		}
	}
	return resource, usage, limit, 2*agree > len(window)
}

// windowLocked returns the trailing debounce window. Caller holds mu.
func (g *Governor) windowLocked() []Snapshot {
	n := len(g.history)
	k := g.cfg.DebounceWindow
	if n < k {
		k = n
	}
	return g.history[n-k:]
}

func (g *Governor) tripBreaker(reason string) {
	cooldown := g.cfg.BreakerCooldown.Duration()
	if cooldown <= 0 {
		return
	}
	g.mu.Lock()
	g.breakerUntil = g.now().Add(cooldown)
	g.breakerWhy = reason + " ceiling breached"
	g.mu.Unlock()
}

// WorkerBudget returns the live worker budget.
func (g *Governor) WorkerBudget() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.budget
}

// History returns a copy of the snapshot history, oldest first.
func (g *Governor) History() []Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Snapshot, len(g.history))
	copy(out, g.history)
	return out
}

// Breaches returns a copy of every recorded breach, oldest first.
func (g *Governor) Breaches() []Breach {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Breach, len(g.breaches))
	copy(out, g.breaches)
	return out
}
