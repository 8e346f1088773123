package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/governor"
	"github.com/fyrsmithlabs/scorepipe/internal/interrupt"
	"github.com/fyrsmithlabs/scorepipe/internal/logging"
	"github.com/fyrsmithlabs/scorepipe/internal/pipeline"
	"github.com/fyrsmithlabs/scorepipe/internal/report"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
	"github.com/fyrsmithlabs/scorepipe/internal/telemetry"
)

// runtime bundles every constructed-once collaborator of a run.
type runtime struct {
	cfg        *config.Config
	logger     *logging.Logger
	telemetry  *telemetry.Telemetry
	governor   *governor.Governor
	controller *interrupt.Controller
	scheduler  *scheduler.Scheduler
	exporter   *report.Exporter
	outDir     string
}

// newRuntime loads configuration and wires the run object graph.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if modeFlag != "" {
		cfg.Mode = config.Mode(modeFlag)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	gov, err := governor.New(cfg.Governor, cfg.Mode, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource governor: %w", err)
	}

	controller := interrupt.NewController()
	runner, err := interrupt.NewRunner(controller, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create interrupt runner: %w", err)
	}
	sched, err := scheduler.New(cfg, gov, controller, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	exporter, err := report.NewExporter(sched, gov, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create report exporter: %w", err)
	}

	dest := outDir
	if cfg.Report.OutputDir != "" && outDir == "out" {
		dest = cfg.Report.OutputDir
	}
	p := pipeline.New(cfg.Pipeline, dest, exporter, nil, runner, logger)
	if err := p.Register(sched); err != nil {
		return nil, fmt.Errorf("failed to register phases: %w", err)
	}

	return &runtime{
		cfg:        cfg,
		logger:     logger,
		telemetry:  tel,
		governor:   gov,
		controller: controller,
		scheduler:  sched,
		exporter:   exporter,
		outDir:     dest,
	}, nil
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.LevelFromString(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	if cfg.Logging.Format != "" {
		logCfg.Format = cfg.Logging.Format
	}
	logCfg.Caller.Enabled = cfg.Logging.Caller
	return logging.NewLogger(logCfg)
}

// close flushes the logger and shuts telemetry down.
func (r *runtime) close(ctx context.Context) {
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = r.logger.Sync()
}

// notifyInterrupt signals the controller on SIGINT/SIGTERM and
// hard-exits on a second signal. The returned channel is closed after
// the first signal; the stop func releases the handler.
func (r *runtime) notifyInterrupt(ctx context.Context) (<-chan struct{}, func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	interrupted := make(chan struct{})

	go func() {
		select {
		case sig := <-sigCh:
			r.logger.Warn(ctx, "shutdown signal received, finishing current work",
				zap.String("signal", sig.String()),
			)
			r.controller.Signal("shutdown requested")
			close(interrupted)
		case <-ctx.Done():
			return
		}

		select {
		case <-sigCh:
			r.logger.Error(ctx, "second signal received, exiting immediately")
			os.Exit(1)
		case <-ctx.Done():
		}
	}()

	return interrupted, func() { signal.Stop(sigCh) }
}
