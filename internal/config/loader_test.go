package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeProduction, cfg.Mode)
	assert.Equal(t, 8, cfg.Governor.MaxWorkers)
	assert.Equal(t, 250*time.Millisecond, cfg.Governor.SamplingInterval.Duration())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0.10, cfg.Budget.MaxFailureRate)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := writeConfig(t, `
mode: dev
governor:
  max_workers: 16
  min_workers: 2
  sampling_interval: 100ms
budget:
  max_failure_rate: 0.25
pipeline:
  grid_width: 10
  grid_height: 6
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeDev, cfg.Mode)
	assert.Equal(t, 16, cfg.Governor.MaxWorkers)
	assert.Equal(t, 2, cfg.Governor.MinWorkers)
	assert.Equal(t, 100*time.Millisecond, cfg.Governor.SamplingInterval.Duration())
	assert.Equal(t, 0.25, cfg.Budget.MaxFailureRate)
	assert.Equal(t, 60, cfg.Pipeline.GridWidth*cfg.Pipeline.GridHeight)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "governor:\n  max_workers: 16\n")

	t.Setenv("SCOREPIPE_GOVERNOR_MAX_WORKERS", "4")
	t.Setenv("SCOREPIPE_MODE", "dev")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Governor.MaxWorkers)
	assert.Equal(t, ModeDev, cfg.Mode)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	path := writeConfig(t, "governor:\n  max_cpu_percent: 250\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_cpu_percent")
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "mode: [unclosed\n")

	_, err := Load(path)
	require.Error(t, err)
}
