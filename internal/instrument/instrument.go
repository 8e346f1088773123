// Package instrument collects per-phase progress, latency, and event
// metrics.
//
// Instrumentation is purely observational: it has no authority to
// abort, throttle, or otherwise alter the run. BuildMetrics is a pure
// snapshot and safe to call mid-phase for live progress.
package instrument

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/scorepipe/internal/instrument"

// Event is one structured warning or error entry. Events never affect
// control flow.
type Event struct {
	Category string         `json:"category"`
	Message  string         `json:"message"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// LatencySummary holds per-item latency quantiles in milliseconds.
type LatencySummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// PhaseMetrics is the exported snapshot for one phase.
type PhaseMetrics struct {
	PhaseID          string         `json:"phase_id"`
	Name             string         `json:"name"`
	DurationMS       float64        `json:"duration_ms"`
	ItemsProcessed   int            `json:"items_processed"`
	ItemsTotal       int            `json:"items_total"`
	Progress         float64        `json:"progress"`
	Throughput       float64        `json:"throughput"`
	Warnings         []Event        `json:"warnings"`
	Errors           []Event        `json:"errors"`
	LatencyHistogram LatencySummary `json:"latency_histogram"`
	Anomalies        []string       `json:"anomalies"`
}

// Instrumentation accumulates metrics for one phase execution.
type Instrumentation struct {
	phaseID    string
	name       string
	itemsTotal int
	logger     *logging.Logger
	now        func() time.Time

	latencyHist metric.Float64Histogram

	mu        sync.Mutex
	started   time.Time
	completed time.Time
	processed int
	latencies []float64
	warnings  []Event
	errors    []Event
}

// Option configures an Instrumentation.
type Option func(*Instrumentation)

// WithNow overrides the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(in *Instrumentation) { in.now = now }
}

// New creates instrumentation for one phase. itemsTotal is the declared
// item count, zero when the phase has no item fan-out.
func New(phaseID, name string, itemsTotal int, logger *logging.Logger, opts ...Option) *Instrumentation {
	if logger == nil {
		logger = logging.NewNop()
	}

	in := &Instrumentation{
		phaseID:    phaseID,
		name:       name,
		itemsTotal: itemsTotal,
		logger:     logger.Named("instrument"),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(in)
	}

	hist, err := otel.Meter(instrumentationName).Float64Histogram(
		"scorepipe.phase.item_latency",
		metric.WithDescription("Per-item processing latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		in.logger.Warn(context.Background(), "failed to create latency histogram", zap.Error(err))
	} else {
		in.latencyHist = hist
	}

	return in
}

// SetItemsTotal declares the item count once the phase knows it.
func (in *Instrumentation) SetItemsTotal(n int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.itemsTotal = n
}

// Start opens the wall-clock bracket.
func (in *Instrumentation) Start() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.started = in.now()
	in.completed = time.Time{}
}

// Complete closes the wall-clock bracket.
func (in *Instrumentation) Complete() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.completed = in.now()
}

// Increment records one processed item and its latency sample.
func (in *Instrumentation) Increment(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)

	in.mu.Lock()
	in.processed++
	in.latencies = append(in.latencies, ms)
	in.mu.Unlock()

	if in.latencyHist != nil {
		in.latencyHist.Record(context.Background(), ms, metric.WithAttributes(
			attribute.String("phase", in.phaseID),
		))
	}
}

// RecordWarning appends a structured warning entry.
func (in *Instrumentation) RecordWarning(category, message string, extra map[string]any) {
	in.record(&in.warnings, category, message, extra)
	in.logger.Warn(context.Background(), message,
		zap.String("phase", in.phaseID),
		zap.String("category", category),
		zap.Any("extra", extra),
	)
}

// RecordError appends a structured error entry. Recording an error does
// not fail the phase; flow control belongs to the scheduler.
func (in *Instrumentation) RecordError(category, message string, extra map[string]any) {
	in.record(&in.errors, category, message, extra)
	in.logger.Error(context.Background(), message,
		zap.String("phase", in.phaseID),
		zap.String("category", category),
		zap.Any("extra", extra),
	)
}

func (in *Instrumentation) record(dst *[]Event, category, message string, extra map[string]any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	*dst = append(*dst, Event{Category: category, Message: message, Extra: extra})
}

// BuildMetrics returns a consistent snapshot of the phase so far. A
// phase that has not completed reports duration up to now.
func (in *Instrumentation) BuildMetrics() PhaseMetrics {
	in.mu.Lock()
	defer in.mu.Unlock()

	var durationMS float64
	switch {
	case in.started.IsZero():
	case in.completed.IsZero():
		durationMS = float64(in.now().Sub(in.started)) / float64(time.Millisecond)
	default:
		durationMS = float64(in.completed.Sub(in.started)) / float64(time.Millisecond)
	}

	progress := 0.0
	if in.itemsTotal > 0 {
		progress = float64(in.processed) / float64(in.itemsTotal)
		if progress > 1 {
			progress = 1
		}
	}

	throughput := 0.0
	if durationMS > 0 {
		throughput = float64(in.processed) / (durationMS / 1000)
	}

	metrics := PhaseMetrics{
		PhaseID:          in.phaseID,
		Name:             in.name,
		DurationMS:       durationMS,
		ItemsProcessed:   in.processed,
		ItemsTotal:       in.itemsTotal,
		Progress:         progress,
		Throughput:       throughput,
		Warnings:         append([]Event(nil), in.warnings...),
		Errors:           append([]Event(nil), in.errors...),
		LatencyHistogram: summarize(in.latencies),
		Anomalies:        in.anomaliesLocked(),
	}
	return metrics
}

// anomaliesLocked derives structural oddities worth surfacing in the
// report. Caller holds mu.
func (in *Instrumentation) anomaliesLocked() []string {
	anomalies := []string{}
	if in.itemsTotal > 0 && in.processed > in.itemsTotal {
		anomalies = append(anomalies, "items_processed exceeds items_total")
	}
	if !in.completed.IsZero() && in.started.IsZero() {
		anomalies = append(anomalies, "completed without start")
	}
	if !in.completed.IsZero() && in.completed.Before(in.started) {
		anomalies = append(anomalies, "completion precedes start")
	}
	return anomalies
}

// summarize computes nearest-rank quantiles over a latency sample set.
func summarize(samples []float64) LatencySummary {
	if len(samples) == 0 {
		return LatencySummary{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return LatencySummary{
		P50: quantile(sorted, 0.50),
		P95: quantile(sorted, 0.95),
		P99: quantile(sorted, 0.99),
	}
}

// quantile is nearest-rank over an already sorted slice.
func quantile(sorted []float64, q float64) float64 {
	rank := int(q*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
