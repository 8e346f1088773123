package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/errbudget"
	"github.com/fyrsmithlabs/scorepipe/internal/governor"
	"github.com/fyrsmithlabs/scorepipe/internal/instrument"
	"github.com/fyrsmithlabs/scorepipe/internal/interrupt"
	"github.com/fyrsmithlabs/scorepipe/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/scorepipe/internal/scheduler"

// ValidateInvariant checks a declared output count with exact equality.
// There is no tolerance band and no mode dependence.
func ValidateInvariant(phase, check string, actual, expected int) error {
	if actual != expected {
		return &InvariantViolationError{Phase: phase, Check: check, Actual: actual, Expected: expected}
	}
	return nil
}

// Scheduler runs registered phases in their fixed order.
type Scheduler struct {
	mode       config.Mode
	budget     config.BudgetConfig
	pipeline   config.PipelineConfig
	governor   *governor.Governor
	controller *interrupt.Controller
	logger     *logging.Logger
	now        func() time.Time
	runID      string

	tracer       trace.Tracer
	meter        metric.Meter
	phaseCounter metric.Int64Counter
	abortCounter metric.Int64Counter

	mu          sync.Mutex
	state       RunState
	phases      []Phase
	results     map[int]*PhaseExecutionResult
	outputs     map[int]*Output
	trackers    map[int]*errbudget.Tracker
	instruments map[int]*instrument.Instrumentation
	abort       AbortStatus
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithNow overrides the clock (for testing).
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler in the NOT_STARTED state.
func New(cfg *config.Config, gov *governor.Governor, controller *interrupt.Controller, logger *logging.Logger, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if gov == nil {
		return nil, errors.New("resource governor is required")
	}
	if controller == nil {
		controller = interrupt.NewController()
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &Scheduler{
		mode:        cfg.Mode,
		budget:      cfg.Budget,
		pipeline:    cfg.Pipeline,
		governor:    gov,
		controller:  controller,
		logger:      logger.Named("scheduler"),
		now:         time.Now,
		runID:       uuid.New().String(),
		tracer:      otel.Tracer(instrumentationName),
		meter:       otel.Meter(instrumentationName),
		state:       RunNotStarted,
		results:     make(map[int]*PhaseExecutionResult),
		outputs:     make(map[int]*Output),
		trackers:    make(map[int]*errbudget.Tracker),
		instruments: make(map[int]*instrument.Instrumentation),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.initMetrics()

	return s, nil
}

func (s *Scheduler) initMetrics() {
	var err error

	s.phaseCounter, err = s.meter.Int64Counter(
		"scorepipe.scheduler.phases_total",
		metric.WithDescription("Total number of phase executions by status"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create phase counter", zap.Error(err))
	}

	s.abortCounter, err = s.meter.Int64Counter(
		"scorepipe.scheduler.aborts_total",
		metric.WithDescription("Total number of aborted runs"),
		metric.WithUnit("{abort}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create abort counter", zap.Error(err))
	}
}

// Register adds the next phase in order. Phase IDs must be the
// contiguous ordinals 0..N-1.
func (s *Scheduler) Register(phase Phase) error {
	if phase.Handler == nil {
		return fmt.Errorf("phase %q has no handler", phase.Name)
	}
	if phase.Name == "" {
		return fmt.Errorf("phase %d has no name", phase.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if phase.ID != len(s.phases) {
		return fmt.Errorf("phase %q has ordinal %d, expected %d", phase.Name, phase.ID, len(s.phases))
	}
	s.phases = append(s.phases, phase)
	return nil
}

// RunID returns the unique identifier of this run.
func (s *Scheduler) RunID() string {
	return s.runID
}

// Controller returns the shared interrupt controller.
func (s *Scheduler) Controller() *interrupt.Controller {
	return s.controller
}

// State returns the current lifecycle state.
func (s *Scheduler) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Execute runs a single phase by ID and wraps its outcome.
func (s *Scheduler) Execute(ctx context.Context, phaseID int) (*PhaseExecutionResult, error) {
	phase, err := s.resolve(phaseID)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithRunID(ctx, s.runID)
	ctx = logging.WithPhase(ctx, phase.Name)

	ctx, span := s.tracer.Start(ctx, "scheduler.execute",
		trace.WithAttributes(
			attribute.Int("phase_id", phase.ID),
			attribute.String("phase_name", phase.Name),
			attribute.String("mode", string(s.mode)),
		))
	defer span.End()

	s.transitionRunning()

	instr := instrument.New(fmt.Sprintf("%d", phase.ID), phase.Name, 0, s.logger, instrument.WithNow(s.now))
	s.mu.Lock()
	s.instruments[phase.ID] = instr
	s.mu.Unlock()

	result := &PhaseExecutionResult{
		PhaseID:   phase.ID,
		Name:      phase.Name,
		StartedAt: s.now(),
	}

	finish := func(status Status, errs ...error) *PhaseExecutionResult {
		result.Status = status
		result.Success = status == StatusSuccess || status == StatusPartialSuccess
		result.CompletedAt = s.now()
		result.Metrics = instr.BuildMetrics()
		for _, e := range errs {
			if e != nil {
				result.Errors = append(result.Errors, e.Error())
			}
		}
		s.mu.Lock()
		s.results[phase.ID] = result
		s.mu.Unlock()
		if s.phaseCounter != nil {
			s.phaseCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", phase.Name),
				attribute.String("status", string(status)),
			))
		}
		return result
	}

	// Pre-flight resource check. A confirmed breach in production mode
	// aborts before any phase work starts.
	if err := s.governor.Enforce(ctx, phase.ID, phase.Name); err != nil {
		abort := s.toAbort(err, span)
		return finish(StatusAborted, abort), abort
	}

	in := &Input{
		RunID:      s.runID,
		PhaseID:    phase.ID,
		PhaseName:  phase.Name,
		Mode:       s.mode,
		Governor:   s.governor,
		Instrument: instr,
		Pool:       s.newPool(phase),
		Prior:      s.priorOutputs(phase.ID),
		Extra:      make(map[string]any),
		newTracker: func(total int64) (*errbudget.Tracker, error) {
			tracker, err := errbudget.NewTracker(phase.ID, total, s.budget.MaxFailureRate, s.budget.DevSuccessFloor)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.trackers[phase.ID] = tracker
			s.mu.Unlock()
			return tracker, nil
		},
	}

	s.logger.Info(ctx, "phase starting", zap.Int("phase_id", phase.ID))

	instr.Start()
	out, err := phase.Handler.Execute(ctx, in)
	instr.Complete()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var inv *InvariantViolationError
		if errors.As(err, &inv) {
			s.transitionFailed()
			return finish(StatusFailed, err), err
		}

		var limit *governor.LimitError
		var abortErr *AbortError
		if errors.As(err, &limit) || errors.As(err, &abortErr) {
			abort := s.toAbort(err, span)
			return finish(StatusAborted, abort), abort
		}

		var tol *ToleranceError
		if errors.As(err, &tol) && s.mode.Strict() {
			abort := s.toAbort(err, span)
			return finish(StatusAborted, abort), abort
		}

		if s.mode.Strict() {
			s.transitionFailed()
		}
		return finish(StatusFailed, err), err
	}

	if out == nil {
		err := fmt.Errorf("phase %q handler returned no output", phase.Name)
		span.SetStatus(codes.Error, err.Error())
		if s.mode.Strict() {
			s.transitionFailed()
		}
		return finish(StatusFailed, err), err
	}

	// Constitutional invariants: exact-equality, mode-independent.
	for _, check := range sortedChecks(phase.Invariants) {
		if err := ValidateInvariant(phase.Name, check, out.Counts[check], phase.Invariants[check]); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.transitionFailed()
			return finish(StatusFailed, err), err
		}
	}

	s.mu.Lock()
	s.outputs[phase.ID] = out
	tracker := s.trackers[phase.ID]
	s.mu.Unlock()

	status, budgetErr := s.decideStatus(phase, tracker)
	if budgetErr != nil {
		span.RecordError(budgetErr)
		span.SetStatus(codes.Error, budgetErr.Error())
		if status == StatusAborted {
			abort := s.toAbort(budgetErr, span)
			return finish(StatusAborted, abort), abort
		}
		return finish(status, budgetErr), budgetErr
	}

	// A phase that stopped on an interrupt with stored progress is not a
	// full success: the remaining work runs when the phase is re-executed.
	if out.Resumable && status == StatusSuccess {
		status = StatusPartialSuccess
	}

	result.Output = out.Counts
	s.logger.Info(ctx, "phase completed",
		zap.Int("phase_id", phase.ID),
		zap.String("status", string(status)),
	)
	return finish(status), nil
}

// ExecuteAll runs phases [start, end] strictly in order. Production
// mode stops the sequence on the first failure; dev mode continues and
// the run is reported PARTIAL_SUCCESS. An interrupt between phases
// stops the sequence without error, leaving the run resumable.
func (s *Scheduler) ExecuteAll(ctx context.Context, start, end int) (map[int]*PhaseExecutionResult, error) {
	s.mu.Lock()
	n := len(s.phases)
	s.mu.Unlock()

	if start < 0 || end >= n || start > end {
		return nil, fmt.Errorf("phase range [%d, %d] out of bounds for %d phases", start, end, n)
	}

	s.transitionRunning()

	results := make(map[int]*PhaseExecutionResult)
	for id := start; id <= end; id++ {
		select {
		case <-ctx.Done():
			s.transitionFailed()
			return results, ctx.Err()
		default:
		}

		if interrupted, reason := s.controller.IsInterrupted(); interrupted {
			s.logger.Info(ctx, "run interrupted between phases",
				zap.Int("next_phase", id),
				zap.String("reason", reason),
			)
			return results, nil
		}

		result, err := s.Execute(ctx, id)
		if result != nil {
			results[id] = result
		}
		if err == nil {
			continue
		}

		var abortErr *AbortError
		var inv *InvariantViolationError
		switch {
		case errors.As(err, &abortErr):
			s.transitionAborted()
			return results, err
		case errors.As(err, &inv):
			s.transitionFailed()
			return results, err
		case s.mode.Strict():
			s.transitionFailed()
			return results, err
		default:
			// Dev mode trades strictness for forward progress: the
			// failed phase is recorded and the sequence continues.
		}
	}

	// An interrupt that landed during the final phase has no next
	// iteration to catch it: the run stays RUNNING and resumable.
	if interrupted, reason := s.controller.IsInterrupted(); interrupted {
		s.logger.Info(ctx, "run interrupted during final phase",
			zap.String("reason", reason),
		)
		return results, nil
	}

	s.transitionCompleted()
	return results, nil
}

// OverallStatus reduces the run to a single reported status.
func (s *Scheduler) OverallStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case RunNotStarted:
		return StatusNotStarted
	case RunAborted:
		return StatusAborted
	case RunFailed:
		return StatusFailed
	}

	for _, r := range s.results {
		if r.Status != StatusSuccess {
			return StatusPartialSuccess
		}
	}
	return StatusSuccess
}

// Abort returns the recorded abort status.
func (s *Scheduler) Abort() AbortStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abort
}

// Results returns a copy of the per-phase results recorded so far.
func (s *Scheduler) Results() map[int]*PhaseExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*PhaseExecutionResult, len(s.results))
	for id, r := range s.results {
		clone := *r
		out[id] = &clone
	}
	return out
}

// PhaseStatuses returns the status of every executed phase.
func (s *Scheduler) PhaseStatuses() map[int]Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Status, len(s.results))
	for id, r := range s.results {
		out[id] = r.Status
	}
	return out
}

// Metrics returns live phase metrics snapshots, by phase ID.
func (s *Scheduler) Metrics() map[int]instrument.PhaseMetrics {
	s.mu.Lock()
	instruments := make(map[int]*instrument.Instrumentation, len(s.instruments))
	for id, in := range s.instruments {
		instruments[id] = in
	}
	s.mu.Unlock()

	out := make(map[int]instrument.PhaseMetrics, len(instruments))
	for id, in := range instruments {
		out[id] = in.BuildMetrics()
	}
	return out
}

// BudgetStates returns the error budget snapshot of every phase that
// declared one, ordered by phase ID.
func (s *Scheduler) BudgetStates() []errbudget.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.trackers))
	for id := range s.trackers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]errbudget.State, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.trackers[id].Snapshot())
	}
	return out
}

// decideStatus applies the error budget contract at phase end.
func (s *Scheduler) decideStatus(phase Phase, tracker *errbudget.Tracker) (Status, error) {
	if tracker == nil {
		return StatusSuccess, nil
	}

	state := tracker.Snapshot()
	if tracker.CanMarkSuccess(s.mode) {
		if tracker.ThresholdExceeded() {
			return StatusPartialSuccess, nil
		}
		return StatusSuccess, nil
	}

	tol := &ToleranceError{
		Phase:       phase.Name,
		FailureRate: state.FailureRate,
		MaxRate:     state.MaxFailureRate,
		Successes:   state.SuccessfulItems,
		Failures:    state.FailedItems,
	}
	if s.mode.Strict() {
		return StatusAborted, tol
	}
	return StatusFailed, tol
}

func (s *Scheduler) resolve(phaseID int) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if phaseID < 0 || phaseID >= len(s.phases) {
		return Phase{}, fmt.Errorf("unknown phase id %d", phaseID)
	}
	return s.phases[phaseID], nil
}

func (s *Scheduler) priorOutputs(beforeID int) map[int]*Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]*Output)
	for id, o := range s.outputs {
		if id < beforeID {
			out[id] = o
		}
	}
	return out
}

// toAbort records the abort status once and wraps the cause.
func (s *Scheduler) toAbort(cause error, span trace.Span) *AbortError {
	now := s.now()

	s.mu.Lock()
	if !s.abort.IsAborted {
		s.abort = AbortStatus{IsAborted: true, Reason: cause.Error(), Timestamp: now}
	}
	s.state = RunAborted
	s.mu.Unlock()

	if s.abortCounter != nil {
		s.abortCounter.Add(context.Background(), 1)
	}
	span.SetStatus(codes.Error, cause.Error())
	s.logger.Error(context.Background(), "run aborted", zap.Error(cause))

	return newAbort(cause.Error(), cause, now)
}

func (s *Scheduler) transitionRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == RunNotStarted {
		s.state = RunRunning
	}
}

func (s *Scheduler) transitionCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == RunRunning {
		s.state = RunCompleted
	}
}

func (s *Scheduler) transitionFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == RunRunning || s.state == RunNotStarted {
		s.state = RunFailed
	}
}

func (s *Scheduler) transitionAborted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = RunAborted
}

func sortedChecks(invariants map[string]int) []string {
	checks := make([]string, 0, len(invariants))
	for check := range invariants {
		checks = append(checks, check)
	}
	sort.Strings(checks)
	return checks
}
