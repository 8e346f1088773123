package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "format")
}

func TestLevelFromString(t *testing.T) {
	level, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, level)

	level, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)

	_, err = LevelFromString("loud")
	require.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithPhase(ctx, "score")
	ctx = WithTaskID(ctx, "task-9")

	fields := ContextFields(ctx)
	assert.Len(t, fields, 3)
	assert.Equal(t, "run-1", RunIDFromContext(ctx))
	assert.Equal(t, "score", PhaseFromContext(ctx))
	assert.Equal(t, "task-9", TaskIDFromContext(ctx))
}

func TestLoggerWritesContextFields(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithPhase(WithRunID(context.Background(), "run-7"), "aggregate")

	tl.Info(ctx, "phase started", zap.Int("items", 3))

	entries := tl.FilterMessage("phase started").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "run-7", fields["run.id"])
	assert.Equal(t, "aggregate", fields["phase"])
	assert.Equal(t, int64(3), fields["items"])
}

func TestNamedAndWith(t *testing.T) {
	tl := NewTestLogger()
	child := tl.Named("governor").With(zap.String("component", "breaker"))
	child.Warn(context.Background(), "breach confirmed")

	entries := tl.FilterMessage("breach confirmed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "governor", entries[0].LoggerName)
	assert.Equal(t, "breaker", entries[0].ContextMap()["component"])
}
