package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/pipeline"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
	"github.com/fyrsmithlabs/scorepipe/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Execute the pipeline with a status server alongside",
	Long: `Run the full pipeline while serving /health, /report, and /metrics
over HTTP. The server stays up after the run finishes so the report
can be inspected; a signal interrupts the run and stops the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close(context.Background())
		interrupted, stop := rt.notifyInterrupt(ctx)
		defer stop()

		srv, err := server.New(rt.cfg.Server, rt.scheduler, rt.exporter)
		if err != nil {
			return err
		}

		srvErr := make(chan error, 1)
		go func() {
			srvErr <- srv.Start(ctx)
		}()

		rt.logger.Info(ctx, "starting pipeline run with status server",
			zap.String("run_id", rt.scheduler.RunID()),
			zap.Int("port", rt.cfg.Server.Port),
		)

		_, runErr := rt.scheduler.ExecuteAll(ctx, pipeline.PhaseIngest, pipeline.PhaseReport)
		if rt.scheduler.State() != scheduler.RunCompleted {
			if perr := rt.exporter.Persist(context.Background(), rt.outDir); perr != nil {
				rt.logger.Warn(ctx, "failed to persist partial report", zap.Error(perr))
			}
		}

		exitErr := finishRun(ctx, rt, runErr)

		// Keep serving until signalled so the report endpoints stay
		// queryable after the run ends.
		if pending, _ := rt.controller.IsInterrupted(); !pending {
			rt.logger.Info(ctx, "status server still up, signal to stop")
			select {
			case <-interrupted:
			case <-ctx.Done():
			}
		}
		cancel()

		if err := <-srvErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return exitErr
	},
}
