package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/interrupt"
	"github.com/fyrsmithlabs/scorepipe/internal/logging"
	"github.com/fyrsmithlabs/scorepipe/internal/report"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
)

// Pipeline wires the five canonical phases onto a scheduler.
type Pipeline struct {
	cfg      config.PipelineConfig
	outDir   string
	scorer   Scorer
	exporter *report.Exporter
	runner   *interrupt.Runner
	logger   *logging.Logger
}

// New creates the pipeline. A nil scorer selects the built-in rubric
// scorer; the exporter may be nil when the report phase is not used.
// The runner should share the run's interrupt controller so the report
// phase can stop between artifact writes and resume later; a nil runner
// gets a detached controller.
func New(cfg config.PipelineConfig, outDir string, exporter *report.Exporter, scorer Scorer, runner *interrupt.Runner, logger *logging.Logger) *Pipeline {
	if scorer == nil {
		scorer = NewRubricScorer()
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if runner == nil {
		runner, _ = interrupt.NewRunner(interrupt.NewController(), logger)
	}
	return &Pipeline{
		cfg:      cfg,
		outDir:   outDir,
		scorer:   scorer,
		exporter: exporter,
		runner:   runner,
		logger:   logger.Named("pipeline"),
	}
}

// Register adds every phase to the scheduler in canonical order. The
// grid width must match the fixed category set: the aggregate phase
// builds one column per category, so any other width would fail the
// cell count invariant on every run.
func (p *Pipeline) Register(sched *scheduler.Scheduler) error {
	if p.cfg.GridWidth != len(Categories) {
		return fmt.Errorf("pipeline.grid_width is %d but there are %d scoring categories",
			p.cfg.GridWidth, len(Categories))
	}

	phases := []scheduler.Phase{
		{ID: PhaseIngest, Name: "ingest", Handler: scheduler.HandlerFunc(p.ingest)},
		{ID: PhaseScore, Name: "score", Handler: scheduler.HandlerFunc(p.score)},
		{
			ID:         PhaseAggregate,
			Name:       "aggregate",
			Invariants: map[string]int{"grid_cells": p.cfg.GridWidth * p.cfg.GridHeight},
			Handler:    scheduler.HandlerFunc(p.aggregate),
		},
		{ID: PhaseRecommend, Name: "recommend", Handler: scheduler.HandlerFunc(p.recommend)},
		{ID: PhaseReport, Name: "report", Handler: scheduler.HandlerFunc(p.report)},
	}
	for _, phase := range phases {
		if err := sched.Register(phase); err != nil {
			return err
		}
	}
	return nil
}

// ingest loads the manifest and parses every listed document. The
// parsed count must equal the manifest count exactly.
func (p *Pipeline) ingest(ctx context.Context, in *scheduler.Input) (*scheduler.Output, error) {
	manifestPath := p.cfg.ManifestPath
	if manifestPath == "" {
		manifestPath = filepath.Join(p.cfg.InputDir, "manifest.json")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	in.Instrument.SetItemsTotal(len(manifest.Documents))

	documents := make([]Document, 0, len(manifest.Documents))
	for _, name := range manifest.Documents {
		raw, err := os.ReadFile(filepath.Join(p.cfg.InputDir, name))
		if err != nil {
			in.Instrument.RecordError("read", err.Error(), map[string]any{"file": name})
			continue
		}
		var doc Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			in.Instrument.RecordError("parse", err.Error(), map[string]any{"file": name})
			continue
		}
		documents = append(documents, doc)
	}

	if err := scheduler.ValidateInvariant(in.PhaseName, "documents", len(documents), len(manifest.Documents)); err != nil {
		return nil, err
	}

	p.logger.Info(ctx, "corpus ingested", zap.Int("documents", len(documents)))
	return &scheduler.Output{
		Counts: map[string]int{"documents": len(documents)},
		Values: map[string]any{"documents": documents},
	}, nil
}

// score fans document scoring out over the worker pool. Individual
// failures and timeouts are charged to the error budget.
func (p *Pipeline) score(ctx context.Context, in *scheduler.Input) (*scheduler.Output, error) {
	documents, err := priorDocuments(in)
	if err != nil {
		return nil, err
	}

	tracker, err := in.Budget(int64(len(documents)))
	if err != nil {
		return nil, err
	}

	results := make([]ScoredDocument, len(documents))
	ok := make([]bool, len(documents))

	dispatched, err := in.Pool.Run(ctx, len(documents), tracker, in.Instrument, func(ctx context.Context, i int) error {
		doc := documents[i]
		score, err := p.scorer.Score(ctx, doc)
		if err != nil {
			return err
		}
		results[i] = ScoredDocument{
			ID:       doc.ID,
			Category: doc.Category,
			Score:    score,
			Band:     band(score, p.cfg.GridHeight),
		}
		ok[i] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredDocument, 0, dispatched)
	for i, done := range ok {
		if done {
			scored = append(scored, results[i])
		}
	}

	p.logger.Info(ctx, "documents scored",
		zap.Int("scored", len(scored)),
		zap.Int("dispatched", dispatched),
		zap.Int("documents", len(documents)),
	)
	return &scheduler.Output{
		Counts: map[string]int{"scored_documents": len(scored)},
		Values: map[string]any{"scored": scored},
	}, nil
}

// aggregate folds scores into the fixed category x band grid. The cell
// count invariant is declared at registration and checked by the
// scheduler with exact equality.
func (p *Pipeline) aggregate(ctx context.Context, in *scheduler.Input) (*scheduler.Output, error) {
	scored, err := priorScored(in)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		count int
		sum   float64
	}
	buckets := make(map[string]*bucket)
	for _, doc := range scored {
		key := fmt.Sprintf("%s/%d", doc.Category, doc.Band)
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.count++
		b.sum += doc.Score
	}

	cells := make([]GridCell, 0, len(Categories)*p.cfg.GridHeight)
	for _, category := range Categories {
		for b := 0; b < p.cfg.GridHeight; b++ {
			cell := GridCell{Category: category, Band: b}
			if agg := buckets[fmt.Sprintf("%s/%d", category, b)]; agg != nil {
				cell.Count = agg.count
				cell.MeanScore = agg.sum / float64(agg.count)
			}
			cells = append(cells, cell)
		}
	}

	p.logger.Info(ctx, "scores aggregated", zap.Int("grid_cells", len(cells)))
	return &scheduler.Output{
		Counts: map[string]int{"grid_cells": len(cells)},
		Values: map[string]any{"grid": cells},
	}, nil
}

// recommend emits a recommendation for every populated weak cell.
func (p *Pipeline) recommend(ctx context.Context, in *scheduler.Input) (*scheduler.Output, error) {
	grid, err := priorGrid(in)
	if err != nil {
		return nil, err
	}

	recommendations := make([]Recommendation, 0)
	for _, cell := range grid {
		if cell.Count == 0 || cell.MeanScore >= p.cfg.RecommendThreshold {
			continue
		}
		recommendations = append(recommendations, Recommendation{
			Category:  cell.Category,
			Band:      cell.Band,
			MeanScore: cell.MeanScore,
			Advice: fmt.Sprintf("%d documents score %.2f on %s; review the %s rubric guidance",
				cell.Count, cell.MeanScore, cell.Category, cell.Category),
		})
	}

	sort.Slice(recommendations, func(i, j int) bool {
		if recommendations[i].MeanScore != recommendations[j].MeanScore {
			return recommendations[i].MeanScore < recommendations[j].MeanScore
		}
		return recommendations[i].Category < recommendations[j].Category
	})

	p.logger.Info(ctx, "recommendations generated", zap.Int("count", len(recommendations)))
	return &scheduler.Output{
		Counts: map[string]int{"recommendations": len(recommendations)},
		Values: map[string]any{"recommendations": recommendations},
	}, nil
}

// report persists the metrics artifacts and the recommendation list as
// an interruptible task, one step per artifact. An interrupt between
// steps leaves the artifacts written so far on disk; re-running the
// phase resumes with the remaining ones.
func (p *Pipeline) report(ctx context.Context, in *scheduler.Input) (*scheduler.Output, error) {
	if p.exporter == nil {
		return nil, errors.New("report phase requires an exporter")
	}

	if err := os.MkdirAll(p.outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	doc := p.exporter.Export()
	task := &interrupt.Task{
		ID:   in.RunID + "-report",
		Name: "persist-artifacts",
		Steps: []interrupt.Step{
			{Name: report.PhaseMetricsFile, Run: func(ctx context.Context) (any, error) {
				return report.PhaseMetricsFile, p.exporter.PersistPhaseMetrics(p.outDir, doc)
			}},
			{Name: report.ResourceUsageFile, Run: func(ctx context.Context) (any, error) {
				return report.ResourceUsageFile, p.exporter.PersistResourceUsage(p.outDir, doc)
			}},
			{Name: report.HistogramsFile, Run: func(ctx context.Context) (any, error) {
				return report.HistogramsFile, p.exporter.PersistHistograms(p.outDir, doc)
			}},
		},
	}
	if recs, err := priorRecommendations(in); err == nil {
		task.Steps = append(task.Steps, interrupt.Step{
			Name: "recommendations.json",
			Run: func(ctx context.Context) (any, error) {
				return "recommendations.json", p.writeRecommendations(recs)
			},
		})
	}

	var res *interrupt.PartialExecutionResult
	var err error
	if prior, ok := p.runner.PartialProgress(task.ID); ok {
		res, err = p.runner.ResumeExecution(ctx, task, prior)
	} else {
		res, err = p.runner.ExecuteWithInterrupts(ctx, task)
	}
	if err != nil {
		return nil, err
	}

	if res.Resumable {
		p.logger.Warn(ctx, "report persistence interrupted",
			zap.Int("artifacts_written", res.CompletedSteps),
			zap.Int("artifacts_total", res.TotalSteps),
			zap.String("reason", res.InterruptReason),
		)
	}

	return &scheduler.Output{
		Counts:    map[string]int{"artifacts": res.CompletedSteps},
		Values:    map[string]any{"artifacts": res.PartialResults},
		Resumable: res.Resumable,
	}, nil
}

func (p *Pipeline) writeRecommendations(recs []Recommendation) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}
	path := filepath.Join(p.outDir, "recommendations.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write recommendations: %w", err)
	}
	return nil
}

func priorDocuments(in *scheduler.Input) ([]Document, error) {
	out := in.Prior[PhaseIngest]
	if out == nil {
		return nil, errors.New("score phase requires ingest output")
	}
	documents, ok := out.Values["documents"].([]Document)
	if !ok {
		return nil, errors.New("ingest output is missing the document list")
	}
	return documents, nil
}

func priorScored(in *scheduler.Input) ([]ScoredDocument, error) {
	out := in.Prior[PhaseScore]
	if out == nil {
		return nil, errors.New("aggregate phase requires score output")
	}
	scored, ok := out.Values["scored"].([]ScoredDocument)
	if !ok {
		return nil, errors.New("score output is missing the scored list")
	}
	return scored, nil
}

func priorGrid(in *scheduler.Input) ([]GridCell, error) {
	out := in.Prior[PhaseAggregate]
	if out == nil {
		return nil, errors.New("recommend phase requires aggregate output")
	}
	grid, ok := out.Values["grid"].([]GridCell)
	if !ok {
		return nil, errors.New("aggregate output is missing the grid")
	}
	return grid, nil
}

func priorRecommendations(in *scheduler.Input) ([]Recommendation, error) {
	out := in.Prior[PhaseRecommend]
	if out == nil {
		return nil, errors.New("no recommend output")
	}
	recs, ok := out.Values["recommendations"].([]Recommendation)
	if !ok {
		return nil, errors.New("recommend output is missing the list")
	}
	return recs, nil
}
