package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/services/poller"
)

func noopCycle(context.Context) (poller.Result, error) { return poller.Result{}, nil }

func TestWorkerRouter(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	cfg := testConfig()
	cfg.Database.Password = "secret"
	h := newWorkerRouter(workerHTTPOpts{
		swaggerPath: sw,
		loops:       []*poller.Poller{poller.New(loopSweeper, noopCycle), poller.New(loopRelay, noopCycle)},
		cfg:         cfg,
		gatherer:    prometheus.NewRegistry(),
		ready:       func(context.Context) error { return errors.New("db down") },
	})

	do := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	require.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz").Code)

	rec := do(http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "db down")

	rec = do(http.MethodPost, "/trigger?loop="+loopRelay)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"triggered":["outbox_relay"]}`, rec.Body.String())

	rec = do(http.MethodPost, "/trigger")
	require.JSONEq(t, `{"triggered":["print_sweeper","outbox_relay"]}`, rec.Body.String())

	require.Equal(t, http.StatusNotFound, do(http.MethodPost, "/trigger?loop=nope").Code)

	rec = do(http.MethodGet, "/config")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret")

	rec = do(http.MethodGet, "/stats")
	require.Contains(t, rec.Body.String(), `"lastTriggerAt"`)

	require.Equal(t, http.StatusOK, do(http.MethodGet, "/swagger.json").Code)
	require.Equal(t, http.StatusOK, do(http.MethodGet, "/metrics").Code)
}

func TestRunWorkerHTTPServer_MissingSwagger(t *testing.T) {
	err := runWorkerHTTPServer(context.Background(), workerHTTPOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "nope.json"),
	})
	require.Error(t, err)
}
