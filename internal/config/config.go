// Package config provides configuration loading for scorepipe.
//
// Configuration is loaded from a YAML file with environment variable
// overrides. This package covers the pipeline, governor, error budget,
// report, server, logging, and telemetry settings.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete scorepipe configuration.
type Config struct {
	Mode      Mode            `koanf:"mode"`
	Pipeline  PipelineConfig  `koanf:"pipeline"`
	Governor  GovernorConfig  `koanf:"governor"`
	Budget    BudgetConfig    `koanf:"budget"`
	Report    ReportConfig    `koanf:"report"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// PipelineConfig holds document pipeline settings.
type PipelineConfig struct {
	// InputDir is the directory holding the document corpus.
	InputDir string `koanf:"input_dir"`

	// ManifestPath points to the corpus manifest. Defaults to
	// <input_dir>/manifest.json when empty.
	ManifestPath string `koanf:"manifest_path"`

	// GridWidth and GridHeight fix the aggregation grid shape. The
	// aggregate phase must produce exactly GridWidth*GridHeight cells;
	// GridWidth must equal the number of scoring categories.
	GridWidth  int `koanf:"grid_width"`
	GridHeight int `koanf:"grid_height"`

	// ItemTimeout bounds the wall-clock time of a single document score.
	// A timed-out item is counted against the error budget.
	ItemTimeout Duration `koanf:"item_timeout"`

	// RecommendThreshold is the grid-cell score below which the
	// recommend phase emits an entry.
	RecommendThreshold float64 `koanf:"recommend_threshold"`
}

// GovernorConfig holds resource governor settings.
type GovernorConfig struct {
	MaxMemoryMB   float64 `koanf:"max_memory_mb"`
	MaxCPUPercent float64 `koanf:"max_cpu_percent"`
	MaxWorkers    int     `koanf:"max_workers"`
	MinWorkers    int     `koanf:"min_workers"`

	// SamplingInterval is the minimum spacing between resource samples.
	SamplingInterval Duration `koanf:"sampling_interval"`

	// DebounceWindow is the number of trailing snapshots consulted when
	// adapting the worker budget. A single transient spike inside the
	// window does not change the budget.
	DebounceWindow int `koanf:"debounce_window"`

	// HistorySize bounds the snapshot history ring.
	HistorySize int `koanf:"history_size"`

	// BreakerCooldown is how long the circuit breaker refuses admission
	// after tripping.
	BreakerCooldown Duration `koanf:"breaker_cooldown"`
}

// BudgetConfig holds error tolerance settings.
type BudgetConfig struct {
	// MaxFailureRate is the per-phase failure rate ceiling in [0,1].
	MaxFailureRate float64 `koanf:"max_failure_rate"`

	// DevSuccessFloor is the absolute success count a fan-out phase
	// needs in dev mode even when the rate ceiling is exceeded.
	DevSuccessFloor int `koanf:"dev_success_floor"`
}

// ReportConfig holds metrics artifact settings.
type ReportConfig struct {
	// OutputDir receives phase_metrics.json, resource_usage.jsonl, and
	// latency_histograms.json.
	OutputDir string `koanf:"output_dir"`
}

// ServerConfig holds status server settings.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logger settings mapped onto internal/logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// TelemetryConfig holds OpenTelemetry settings mapped onto internal/telemetry.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	ExportInterval Duration `koanf:"export_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// applyDefaults fills zero values with production-ready defaults.
func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeProduction
	}
	if cfg.Pipeline.InputDir == "" {
		cfg.Pipeline.InputDir = "./documents"
	}
	if cfg.Pipeline.GridWidth == 0 {
		cfg.Pipeline.GridWidth = 12
	}
	if cfg.Pipeline.GridHeight == 0 {
		cfg.Pipeline.GridHeight = 5
	}
	if cfg.Pipeline.ItemTimeout == 0 {
		cfg.Pipeline.ItemTimeout = Duration(30 * time.Second)
	}
	if cfg.Pipeline.RecommendThreshold == 0 {
		cfg.Pipeline.RecommendThreshold = 0.6
	}
	if cfg.Governor.MaxMemoryMB == 0 {
		cfg.Governor.MaxMemoryMB = 2048
	}
	if cfg.Governor.MaxCPUPercent == 0 {
		cfg.Governor.MaxCPUPercent = 85
	}
	if cfg.Governor.MaxWorkers == 0 {
		cfg.Governor.MaxWorkers = 8
	}
	if cfg.Governor.MinWorkers == 0 {
		cfg.Governor.MinWorkers = 1
	}
	if cfg.Governor.SamplingInterval == 0 {
		cfg.Governor.SamplingInterval = Duration(250 * time.Millisecond)
	}
	if cfg.Governor.DebounceWindow == 0 {
		cfg.Governor.DebounceWindow = 5
	}
	if cfg.Governor.HistorySize == 0 {
		cfg.Governor.HistorySize = 256
	}
	if cfg.Governor.BreakerCooldown == 0 {
		cfg.Governor.BreakerCooldown = Duration(5 * time.Second)
	}
	if cfg.Budget.MaxFailureRate == 0 {
		cfg.Budget.MaxFailureRate = 0.10
	}
	if cfg.Budget.DevSuccessFloor == 0 {
		cfg.Budget.DevSuccessFloor = 50
	}
	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = "./metrics"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9190
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "scorepipe"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(15 * time.Second)
	}
	if cfg.Telemetry.ShutdownTimeout == 0 {
		cfg.Telemetry.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Mode != ModeProduction && c.Mode != ModeDev {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeProduction, ModeDev, c.Mode)
	}
	if c.Pipeline.GridWidth <= 0 || c.Pipeline.GridHeight <= 0 {
		return fmt.Errorf("pipeline grid must have positive dimensions, got %dx%d",
			c.Pipeline.GridWidth, c.Pipeline.GridHeight)
	}
	if c.Pipeline.ItemTimeout.Duration() <= 0 {
		return fmt.Errorf("pipeline.item_timeout must be positive")
	}
	if c.Governor.MaxMemoryMB <= 0 {
		return fmt.Errorf("governor.max_memory_mb must be positive, got %f", c.Governor.MaxMemoryMB)
	}
	if c.Governor.MaxCPUPercent <= 0 || c.Governor.MaxCPUPercent > 100 {
		return fmt.Errorf("governor.max_cpu_percent must be in (0,100], got %f", c.Governor.MaxCPUPercent)
	}
	if c.Governor.MinWorkers < 1 {
		return fmt.Errorf("governor.min_workers must be at least 1, got %d", c.Governor.MinWorkers)
	}
	if c.Governor.MaxWorkers < c.Governor.MinWorkers {
		return fmt.Errorf("governor.max_workers (%d) must be >= min_workers (%d)",
			c.Governor.MaxWorkers, c.Governor.MinWorkers)
	}
	if c.Governor.DebounceWindow < 1 {
		return fmt.Errorf("governor.debounce_window must be at least 1, got %d", c.Governor.DebounceWindow)
	}
	if c.Governor.HistorySize < c.Governor.DebounceWindow {
		return fmt.Errorf("governor.history_size (%d) must be >= debounce_window (%d)",
			c.Governor.HistorySize, c.Governor.DebounceWindow)
	}
	if c.Budget.MaxFailureRate < 0 || c.Budget.MaxFailureRate > 1 {
		return fmt.Errorf("budget.max_failure_rate must be in [0,1], got %f", c.Budget.MaxFailureRate)
	}
	if c.Budget.DevSuccessFloor < 0 {
		return fmt.Errorf("budget.dev_success_floor cannot be negative, got %d", c.Budget.DevSuccessFloor)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate)
		}
	}
	return nil
}
