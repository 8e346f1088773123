package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/pipeline"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
)

var phaseNames = map[string]int{
	"ingest":    pipeline.PhaseIngest,
	"score":     pipeline.PhaseScore,
	"aggregate": pipeline.PhaseAggregate,
	"recommend": pipeline.PhaseRecommend,
	"report":    pipeline.PhaseReport,
}

var phaseCmd = &cobra.Command{
	Use:   "phase <name|id> [<name|id>]",
	Short: "Execute a contiguous range of phases",
	Long: `Execute a single phase, or the contiguous range from the first to
the second argument. Phases can be named (ingest, score, aggregate,
recommend, report) or given by ordinal. Earlier phases must already
have run in the same process for their outputs to be available, so
this is mostly useful starting from ingest.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := resolvePhase(args[0])
		if err != nil {
			return err
		}
		end := start
		if len(args) == 2 {
			if end, err = resolvePhase(args[1]); err != nil {
				return err
			}
		}
		if end < start {
			return fmt.Errorf("phase range is reversed: %d..%d", start, end)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())
		_, stop := rt.notifyInterrupt(ctx)
		defer stop()

		rt.logger.Info(ctx, "starting phase range",
			zap.Int("start", start),
			zap.Int("end", end),
			zap.String("run_id", rt.scheduler.RunID()),
		)

		results, runErr := rt.scheduler.ExecuteAll(ctx, start, end)
		for id := start; id <= end; id++ {
			if res, ok := results[id]; ok {
				rt.logger.Info(ctx, "phase finished",
					zap.Int("phase_id", id),
					zap.String("phase", res.Name),
					zap.String("status", string(res.Status)),
				)
			}
		}
		if rt.scheduler.State() != scheduler.RunCompleted {
			if perr := rt.exporter.Persist(context.Background(), rt.outDir); perr != nil {
				rt.logger.Warn(ctx, "failed to persist partial report", zap.Error(perr))
			}
		}
		return finishRun(ctx, rt, runErr)
	},
}

func resolvePhase(arg string) (int, error) {
	if id, ok := phaseNames[arg]; ok {
		return id, nil
	}
	id, err := strconv.Atoi(arg)
	if err != nil || id < pipeline.PhaseIngest || id > pipeline.PhaseReport {
		return 0, fmt.Errorf("unknown phase %q", arg)
	}
	return id, nil
}
