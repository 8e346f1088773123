package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/scorepipe/internal/config"
	"github.com/fyrsmithlabs/scorepipe/internal/governor"
	"github.com/fyrsmithlabs/scorepipe/internal/interrupt"
	"github.com/fyrsmithlabs/scorepipe/internal/report"
	"github.com/fyrsmithlabs/scorepipe/internal/scheduler"
)

type quietSampler struct{}

func (quietSampler) Usage() (float64, float64, float64, error) {
	return 2.0, 1.0, 16.0, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := &config.Config{
		Mode: config.ModeProduction,
		Governor: config.GovernorConfig{
			MaxMemoryMB:    2048,
			MaxCPUPercent:  85,
			MaxWorkers:     2,
			MinWorkers:     1,
			DebounceWindow: 3,
			HistorySize:    8,
		},
		Budget: config.BudgetConfig{MaxFailureRate: 0.10, DevSuccessFloor: 50},
		Server: config.ServerConfig{Port: 0, ShutdownTimeout: config.Duration(time.Second)},
	}

	gov, err := governor.New(cfg.Governor, cfg.Mode, nil, governor.WithSampler(quietSampler{}))
	require.NoError(t, err)
	sched, err := scheduler.New(cfg, gov, interrupt.NewController(), nil)
	require.NoError(t, err)
	exporter, err := report.NewExporter(sched, gov, nil)
	require.NoError(t, err)

	srv, err := New(cfg.Server, sched, exporter)
	require.NoError(t, err)
	return srv
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(config.ServerConfig{}, nil, nil)
	require.Error(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.RunID)
	assert.Equal(t, string(scheduler.RunNotStarted), body.State)
}

func TestReportEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var doc report.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.NotEmpty(t, doc.RunID)

	// No phase has run yet: the report must say so instead of claiming
	// a successful run.
	assert.Equal(t, scheduler.StatusNotStarted, doc.Status)
	assert.False(t, doc.AbortStatus.IsAborted)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.String())
}

func TestStart_GracefulShutdown(t *testing.T) {
	srv := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, http.ErrServerClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
