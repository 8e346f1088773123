// Package report exports run metrics and persists the metrics
// artifacts.
//
// Three artifacts are written per run: phase_metrics.json with
// deterministic sorted keys, resource_usage.jsonl append-ordered, and
// latency_histograms.json. Each must pass a required-field schema check
// before it counts as persisted; a missing required field is a hard
// validation error.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/errbudget"
	"github.com/fyrsmithlabs/scorepipe/internal/governor"
	"github.com/fyrsmithlabs/scorepipe/internal/instrument"
	"github.com/fyrsmithlabs/scorepipe/internal/logging"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
)

const (
	PhaseMetricsFile  = "phase_metrics.json"
	ResourceUsageFile = "resource_usage.jsonl"
	HistogramsFile    = "latency_histograms.json"
)

// Document is the exported run report.
type Document struct {
	RunID         string                             `json:"run_id"`
	Timestamp     time.Time                          `json:"timestamp"`
	Status        scheduler.Status                   `json:"status"`
	PhaseMetrics  map[string]instrument.PhaseMetrics `json:"phase_metrics"`
	ResourceUsage []governor.Snapshot                `json:"resource_usage"`
	ErrorBudgets  []errbudget.State                  `json:"error_budgets"`
	AbortStatus   scheduler.AbortStatus              `json:"abort_status"`
	PhaseStatus   map[string]scheduler.Status        `json:"phase_status"`
}

// Exporter reads live run data from the scheduler and governor.
type Exporter struct {
	scheduler *scheduler.Scheduler
	governor  *governor.Governor
	logger    *logging.Logger
	now       func() time.Time
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithNow overrides the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// NewExporter creates an exporter over a scheduler and its governor.
func NewExporter(sched *scheduler.Scheduler, gov *governor.Governor, logger *logging.Logger, opts ...Option) (*Exporter, error) {
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if gov == nil {
		return nil, errors.New("resource governor is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	e := &Exporter{
		scheduler: sched,
		governor:  gov,
		logger:    logger.Named("report"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Export builds the report document from live state. Safe to call at
// any point of the run, including after an abort: a failed run still
// yields best-effort metrics plus the explicit status and reason.
func (e *Exporter) Export() *Document {
	metrics := e.scheduler.Metrics()
	statuses := e.scheduler.PhaseStatuses()

	doc := &Document{
		RunID:         e.scheduler.RunID(),
		Timestamp:     e.now(),
		Status:        e.scheduler.OverallStatus(),
		PhaseMetrics:  make(map[string]instrument.PhaseMetrics, len(metrics)),
		ResourceUsage: e.governor.History(),
		ErrorBudgets:  e.scheduler.BudgetStates(),
		AbortStatus:   e.scheduler.Abort(),
		PhaseStatus:   make(map[string]scheduler.Status, len(statuses)),
	}
	for id, m := range metrics {
		doc.PhaseMetrics[strconv.Itoa(id)] = m
	}
	for id, st := range statuses {
		doc.PhaseStatus[strconv.Itoa(id)] = st
	}
	return doc
}

// Persist validates and writes the three metrics artifacts to dir.
func (e *Exporter) Persist(ctx context.Context, dir string) error {
	doc := e.Export()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	if err := e.PersistPhaseMetrics(dir, doc); err != nil {
		return err
	}
	if err := e.PersistResourceUsage(dir, doc); err != nil {
		return err
	}
	if err := e.PersistHistograms(dir, doc); err != nil {
		return err
	}

	e.logger.Info(ctx, "report artifacts persisted",
		zap.String("dir", dir),
		zap.Int("phases", len(doc.PhaseMetrics)),
		zap.Int("snapshots", len(doc.ResourceUsage)),
	)
	return nil
}

// PersistPhaseMetrics writes phase_metrics.json. Keys are sorted by the
// JSON encoder, so identical metrics always produce identical bytes.
func (e *Exporter) PersistPhaseMetrics(dir string, doc *Document) error {
	data, err := marshalSorted(doc.PhaseMetrics)
	if err != nil {
		return fmt.Errorf("failed to encode phase metrics: %w", err)
	}
	if err := validatePhaseMetrics(data); err != nil {
		return fmt.Errorf("%s failed schema check: %w", PhaseMetricsFile, err)
	}
	return writeFile(filepath.Join(dir, PhaseMetricsFile), data)
}

// PersistResourceUsage writes resource_usage.jsonl, one snapshot per
// line in append order.
func (e *Exporter) PersistResourceUsage(dir string, doc *Document) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, snap := range doc.ResourceUsage {
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode resource snapshot: %w", err)
		}
	}
	if err := validateResourceUsage(buf.Bytes()); err != nil {
		return fmt.Errorf("%s failed schema check: %w", ResourceUsageFile, err)
	}
	return writeFile(filepath.Join(dir, ResourceUsageFile), buf.Bytes())
}

// PersistHistograms writes latency_histograms.json with per-phase
// p50/p95/p99.
func (e *Exporter) PersistHistograms(dir string, doc *Document) error {
	histograms := make(map[string]instrument.LatencySummary, len(doc.PhaseMetrics))
	for id, m := range doc.PhaseMetrics {
		histograms[id] = m.LatencyHistogram
	}

	data, err := marshalSorted(histograms)
	if err != nil {
		return fmt.Errorf("failed to encode latency histograms: %w", err)
	}
	if err := validateHistograms(data); err != nil {
		return fmt.Errorf("%s failed schema check: %w", HistogramsFile, err)
	}
	return writeFile(filepath.Join(dir, HistogramsFile), data)
}

// ReadDocument loads a previously persisted report directory back into
// a document. Fields not captured by the artifacts stay zero.
func ReadDocument(dir string) (*Document, error) {
	data, err := os.ReadFile(filepath.Join(dir, PhaseMetricsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read phase metrics: %w", err)
	}
	if err := validatePhaseMetrics(data); err != nil {
		return nil, fmt.Errorf("%s failed schema check: %w", PhaseMetricsFile, err)
	}

	doc := &Document{
		PhaseMetrics: make(map[string]instrument.PhaseMetrics),
		PhaseStatus:  make(map[string]scheduler.Status),
	}
	if err := json.Unmarshal(data, &doc.PhaseMetrics); err != nil {
		return nil, fmt.Errorf("failed to decode phase metrics: %w", err)
	}

	usage, err := os.ReadFile(filepath.Join(dir, ResourceUsageFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read resource usage: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(usage))
	for dec.More() {
		var snap governor.Snapshot
		if err := dec.Decode(&snap); err != nil {
			return nil, fmt.Errorf("failed to decode resource snapshot: %w", err)
		}
		doc.ResourceUsage = append(doc.ResourceUsage, snap)
	}

	return doc, nil
}

func marshalSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
