// Package interrupt provides cooperative, step-boundary task
// interruption with resumable partial results.
//
// A shared Controller carries the interrupt flag; the Runner checks it
// only between steps, so a step either runs to completion or never
// starts. Interrupted tasks resume by re-running only the steps that
// did not complete.
package interrupt

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/scorepipe/internal/interrupt"

// Runner executes tasks under the interrupt protocol.
type Runner struct {
	controller *Controller
	logger     *logging.Logger
	now        func() time.Time

	tracer           trace.Tracer
	meter            metric.Meter
	interruptCounter metric.Int64Counter
	resumeCounter    metric.Int64Counter

	mu       sync.Mutex
	progress map[string]*PartialExecutionResult
}

// NewRunner creates a runner sharing the given controller.
func NewRunner(controller *Controller, logger *logging.Logger) (*Runner, error) {
	if controller == nil {
		return nil, fmt.Errorf("interrupt controller is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Runner{
		controller: controller,
		logger:     logger.Named("interrupt"),
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		progress:   make(map[string]*PartialExecutionResult),
	}

	r.initMetrics()

	return r, nil
}

func (r *Runner) initMetrics() {
	var err error

	r.interruptCounter, err = r.meter.Int64Counter(
		"scorepipe.interrupt.interrupts_total",
		metric.WithDescription("Total number of tasks stopped at a step boundary"),
		metric.WithUnit("{interrupt}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create interrupt counter", zap.Error(err))
	}

	r.resumeCounter, err = r.meter.Int64Counter(
		"scorepipe.interrupt.resumes_total",
		metric.WithDescription("Total number of task resumptions"),
		metric.WithUnit("{resume}"),
	)
	if err != nil {
		r.logger.Warn(context.Background(), "failed to create resume counter", zap.Error(err))
	}
}

// Controller returns the shared interrupt controller.
func (r *Runner) Controller() *Controller {
	return r.controller
}

// ExecuteWithInterrupts runs every step of the task in order, checking
// the interrupt flag before each step. The returned result is complete
// when all steps ran, or resumable when an interrupt stopped the task
// at a boundary. A step error or panic is a hard failure, not an
// interruption, and is returned as an error.
func (r *Runner) ExecuteWithInterrupts(ctx context.Context, task *Task) (*PartialExecutionResult, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	return r.run(ctx, task, 0, nil)
}

// ResumeExecution re-runs only the steps the prior result left behind.
// Resuming an already complete result is a no-op returning the prior
// result unchanged.
func (r *Runner) ResumeExecution(ctx context.Context, task *Task, prior *PartialExecutionResult) (*PartialExecutionResult, error) {
	if prior == nil {
		return nil, fmt.Errorf("prior result is required to resume")
	}
	if task.ID != "" && task.ID != prior.TaskID {
		return nil, fmt.Errorf("prior result belongs to task %s, not %s", prior.TaskID, task.ID)
	}
	if prior.Complete() {
		return prior, nil
	}
	if prior.CompletedSteps > len(task.Steps) {
		return nil, fmt.Errorf("prior result claims %d completed steps, task has %d", prior.CompletedSteps, len(task.Steps))
	}

	task.ID = prior.TaskID

	if r.resumeCounter != nil {
		r.resumeCounter.Add(ctx, 1)
	}
	r.logger.Info(ctx, "resuming task",
		zap.String("task_id", task.ID),
		zap.Int("completed_steps", prior.CompletedSteps),
		zap.Int("total_steps", len(task.Steps)),
	)

	return r.run(ctx, task, prior.CompletedSteps, prior.PartialResults)
}

// CheckInterrupt lets a long step poll for a pending interrupt or
// context cancellation voluntarily.
func (r *Runner) CheckInterrupt(ctx context.Context) (bool, string) {
	select {
	case <-ctx.Done():
		return true, ctx.Err().Error()
	default:
	}
	return r.controller.IsInterrupted()
}

// PartialProgress returns the last recorded result for a task, if any.
func (r *Runner) PartialProgress(taskID string) (*PartialExecutionResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.progress[taskID]
	if !ok {
		return nil, false
	}
	clone := *res
	clone.PartialResults = append([]any(nil), res.PartialResults...)
	return &clone, ok
}

func (r *Runner) run(ctx context.Context, task *Task, from int, prior []any) (*PartialExecutionResult, error) {
	ctx = logging.WithTaskID(ctx, task.ID)
	ctx, span := r.tracer.Start(ctx, "interrupt.run")
	defer span.End()

	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("task_name", task.Name),
		attribute.Int("from_step", from),
		attribute.Int("total_steps", len(task.Steps)),
	)

	completed := from
	results := append([]any(nil), prior...)
	for i := from; i < len(task.Steps); i++ {
		if stopped, reason := r.CheckInterrupt(ctx); stopped {
			res := r.record(task, completed, results, reason)
			if r.interruptCounter != nil {
				r.interruptCounter.Add(ctx, 1)
			}
			r.logger.Info(ctx, "task interrupted at step boundary",
				zap.Int("completed_steps", completed),
				zap.Int("total_steps", res.TotalSteps),
				zap.String("reason", reason),
			)
			return res, nil
		}

		step := task.Steps[i]
		value, err := r.runStep(ctx, i, step)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			// A failed step is a hard failure, not an interruption, but
			// the completed prefix stays stored: fixing the cause and
			// re-running the task resumes at the failed step.
			r.record(task, completed, results, fmt.Sprintf("step %q failed", step.Name))
			return nil, fmt.Errorf("step %q failed: %w", step.Name, err)
		}
		completed = i + 1
		results = append(results, value)
	}

	return r.record(task, completed, results, ""), nil
}

// runStep runs one step, converting a panic into a hard failure.
func (r *Runner) runStep(ctx context.Context, index int, step Step) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			value = nil
			err = fmt.Errorf("panic in step %d: %v", index, rec)
		}
	}()

	r.logger.Debug(ctx, "running step",
		zap.Int("step", index),
		zap.String("step_name", step.Name),
	)
	return step.Run(ctx)
}

func (r *Runner) record(task *Task, completed int, results []any, reason string) *PartialExecutionResult {
	res := &PartialExecutionResult{
		TaskID:          task.ID,
		TaskName:        task.Name,
		CompletedSteps:  completed,
		TotalSteps:      len(task.Steps),
		PartialResults:  results,
		InterruptReason: reason,
		Resumable:       reason != "" && completed < len(task.Steps),
		FinishedAt:      r.now(),
	}

	r.mu.Lock()
	if completed == len(task.Steps) {
		// Completed tasks need no stored progress.
		delete(r.progress, task.ID)
	} else {
		r.progress[task.ID] = res
	}
	r.mu.Unlock()

	clone := *res
	return &clone
}
