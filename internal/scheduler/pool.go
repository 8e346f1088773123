package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/errbudget"
	"github.com/fyrsmithlabs/scorepipe/internal/governor"
	"github.com/fyrsmithlabs/scorepipe/internal/instrument"
	"github.com/fyrsmithlabs/scorepipe/internal/interrupt"
	"github.com/fyrsmithlabs/scorepipe/internal/logging"
)

// ItemFunc processes one item of a fan-out phase by index.
type ItemFunc func(ctx context.Context, index int) error

// errAdmitInterrupted reports that the interrupt controller fired while
// admission was blocked. Run converts it into a clean stop.
var errAdmitInterrupted = errors.New("admission interrupted")

// Pool fans item work out across a bounded worker set sized each
// admission from the governor's live budget.
//
// Admission blocks while the governor refuses execution; the interrupt
// checkpoint sits between items only, so an in-flight item always
// finishes. An item failure or timeout is counted against the error
// budget and never stops the phase by itself.
type Pool struct {
	governor   *governor.Governor
	controller *interrupt.Controller
	logger     *logging.Logger
	mode       config.Mode
	phaseID    int
	phaseName  string

	itemTimeout   time.Duration
	admissionPoll time.Duration
}

func (s *Scheduler) newPool(phase Phase) *Pool {
	return &Pool{
		governor:      s.governor,
		controller:    s.controller,
		logger:        s.logger.Named("pool"),
		mode:          s.mode,
		phaseID:       phase.ID,
		phaseName:     phase.Name,
		itemTimeout:   s.pipeline.ItemTimeout.Duration(),
		admissionPoll: 2 * time.Millisecond,
	}
}

// Run processes items [0, n) and returns how many were dispatched.
//
// In production mode an error budget blown mid-phase stops dispatch
// with a *ToleranceError, and a confirmed resource breach surfaces as
// the governor's limit error. An interrupt stops dispatch cleanly with
// no error.
func (p *Pool) Run(ctx context.Context, items int, tracker *errbudget.Tracker, instr *instrument.Instrumentation, fn ItemFunc) (int, error) {
	if items <= 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	var inflight atomic.Int64
	dispatched := 0

	for i := 0; i < items; i++ {
		if stopped, reason := p.checkInterrupt(ctx); stopped {
			p.logger.Info(ctx, "fan-out interrupted between items",
				zap.Int("dispatched", dispatched),
				zap.Int("items", items),
				zap.String("reason", reason),
			)
			break
		}

		if p.mode.Strict() && tracker != nil && tracker.ThresholdExceeded() {
			wg.Wait()
			state := tracker.Snapshot()
			return dispatched, &ToleranceError{
				Phase:       p.phaseName,
				FailureRate: state.FailureRate,
				MaxRate:     state.MaxFailureRate,
				Successes:   state.SuccessfulItems,
				Failures:    state.FailedItems,
			}
		}

		if err := p.admit(ctx, &inflight); err != nil {
			wg.Wait()
			if errors.Is(err, errAdmitInterrupted) {
				p.logger.Info(ctx, "fan-out interrupted during admission",
					zap.Int("dispatched", dispatched),
					zap.Int("items", items),
				)
				return dispatched, nil
			}
			return dispatched, err
		}

		wg.Add(1)
		inflight.Add(1)
		dispatched++
		go p.runItem(ctx, i, &wg, &inflight, tracker, instr, fn)
	}

	wg.Wait()
	return dispatched, nil
}

// admit blocks until the governor grants a worker slot, the interrupt
// controller fires, or the context ends. An interrupt must be observed
// here too: in dev mode a closed gate throttles instead of aborting,
// and admission can otherwise block past a shutdown request.
func (p *Pool) admit(ctx context.Context, inflight *atomic.Int64) error {
	for {
		if interrupted, reason := p.controller.IsInterrupted(); interrupted {
			p.logger.Info(ctx, "admission interrupted", zap.String("reason", reason))
			return errAdmitInterrupted
		}

		if ok, reason := p.governor.CanExecute(); ok {
			if int(inflight.Load()) < p.governor.WorkerBudget() {
				return nil
			}
			p.logger.Trace(ctx, "admission waiting on worker slot",
				zap.Int64("inflight", inflight.Load()),
				zap.Int("budget", p.governor.WorkerBudget()),
			)
		} else {
			p.logger.Trace(ctx, "admission refused", zap.String("reason", reason))
			// Apply the mode policy while blocked: production aborts on
			// a confirmed breach, dev throttles and keeps waiting.
			if err := p.governor.Enforce(ctx, p.phaseID, p.phaseName); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.admissionPoll):
		}
	}
}

func (p *Pool) runItem(ctx context.Context, index int, wg *sync.WaitGroup, inflight *atomic.Int64, tracker *errbudget.Tracker, instr *instrument.Instrumentation, fn ItemFunc) {
	defer wg.Done()
	defer inflight.Add(-1)
	defer p.governor.AdaptWorkerBudget()

	ictx := ctx
	if p.itemTimeout > 0 {
		var cancel context.CancelFunc
		ictx, cancel = context.WithTimeout(ctx, p.itemTimeout)
		defer cancel()
	}

	start := time.Now()
	err := p.safeItem(ictx, index, fn)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		if tracker != nil {
			tracker.RecordSuccess()
		}
		if instr != nil {
			instr.Increment(elapsed)
		}
	case errors.Is(err, context.DeadlineExceeded):
		if tracker != nil {
			tracker.RecordFailure()
		}
		if instr != nil {
			instr.RecordWarning("timeout", "item exceeded wall-clock timeout", map[string]any{
				"index":      index,
				"timeout_ms": p.itemTimeout.Milliseconds(),
			})
		}
	default:
		if tracker != nil {
			tracker.RecordFailure()
		}
		if instr != nil {
			instr.RecordError("item", err.Error(), map[string]any{"index": index})
		}
	}
}

// safeItem converts an item panic into an ordinary item failure.
func (p *Pool) safeItem(ctx context.Context, index int, fn ItemFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in item %d: %v", index, rec)
		}
	}()
	return fn(ctx, index)
}

func (p *Pool) checkInterrupt(ctx context.Context) (bool, string) {
	select {
	case <-ctx.Done():
		return true, ctx.Err().Error()
	default:
	}
	return p.controller.IsInterrupted()
}
