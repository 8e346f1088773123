package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/pipeline"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the full pipeline",
	Long: `Execute all phases in order, write the report artifacts to the
output directory, and exit non-zero when the run failed or aborted.
A partially successful run exits zero with a warning.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())
		_, stop := rt.notifyInterrupt(ctx)
		defer stop()

		rt.logger.Info(ctx, "starting pipeline run",
			zap.String("run_id", rt.scheduler.RunID()),
			zap.String("mode", string(rt.cfg.Mode)),
		)

		_, runErr := rt.scheduler.ExecuteAll(ctx, pipeline.PhaseIngest, pipeline.PhaseReport)

		// The report phase persists artifacts on the happy path; a run
		// that stopped short still gets its partial metrics written.
		if rt.scheduler.State() != scheduler.RunCompleted {
			if perr := rt.exporter.Persist(context.Background(), rt.outDir); perr != nil {
				rt.logger.Warn(ctx, "failed to persist partial report", zap.Error(perr))
			}
		}

		return finishRun(ctx, rt, runErr)
	},
}

// finishRun translates the terminal run state into log output and an
// exit status.
func finishRun(ctx context.Context, rt *runtime, runErr error) error {
	if interrupted, reason := rt.controller.IsInterrupted(); interrupted {
		rt.logger.Warn(ctx, "run interrupted, progress preserved",
			zap.String("reason", reason),
			zap.String("state", string(rt.scheduler.State())),
		)
		return nil
	}
	if runErr != nil {
		rt.logger.Error(ctx, "run stopped", zap.Error(runErr))
		return runErr
	}

	status := rt.scheduler.OverallStatus()
	switch status {
	case scheduler.StatusSuccess:
		rt.logger.Info(ctx, "run completed", zap.String("status", string(status)))
		return nil
	case scheduler.StatusPartialSuccess:
		rt.logger.Warn(ctx, "run completed with degraded phases",
			zap.String("status", string(status)),
		)
		return nil
	default:
		if abort := rt.scheduler.Abort(); abort.IsAborted {
			fmt.Fprintf(os.Stderr, "run aborted: %s\n", abort.Reason)
		}
		return fmt.Errorf("run finished with status %s", status)
	}
}
