package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/apperr"
	"github.com/BearBump/LicenseFlow/internal/broker/chanbus"
	"github.com/BearBump/LicenseFlow/internal/broker/kafka"
	"github.com/BearBump/LicenseFlow/internal/logger"
	"github.com/BearBump/LicenseFlow/internal/models"
	"github.com/BearBump/LicenseFlow/internal/services/servicetest"
)

type blockingConsumer struct{}

func (blockingConsumer) Consume(ctx context.Context, _ kafka.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

type busConsumer struct{ bus *chanbus.Bus }

func (c busConsumer) Consume(ctx context.Context, h kafka.Handler) error {
	return c.bus.Consume(ctx, chanbus.Handler(h))
}

type flakyConsumer struct{ calls atomic.Int32 }

func (c *flakyConsumer) Consume(ctx context.Context, _ kafka.Handler) error {
	if c.calls.Add(1) < 3 {
		return errors.New("handle message partition=0 offset=7: boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func services(env *servicetest.Env) apiServices {
	return apiServices{
		lifecycle:  env.Lifecycle,
		queue:      env.Queue,
		shipping:   env.Shipping,
		dispatcher: env.Dispatcher,
	}
}

func startAPI(t *testing.T, env *servicetest.Env, opts apiOpts, consumer eventConsumer) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	addrCh := make(chan string, 1)
	opts.grpcAddr = "127.0.0.1:0"
	opts.httpAddr = "127.0.0.1:0"
	opts.grpcDialAddr = "127.0.0.1:0"
	opts.onListen = func(_grpcAddr, httpAddr string) { addrCh <- httpAddr }

	errCh := make(chan error, 1)
	go func() { errCh <- runFulfillmentAPI(ctx, opts, services(env), consumer) }()

	select {
	case addr := <-addrCh:
		return "http://" + addr, cancel, errCh
	case err := <-errCh:
		t.Fatalf("api did not start: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for listeners")
	}
	return "", cancel, errCh
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestRunFulfillmentAPI_ReadEndpoints(t *testing.T) {
	env := servicetest.New(t, servicetest.DefaultOptions())
	loc := env.Location("GAB", models.PrintingTypeLocal)
	app := env.Submit(loc.ID, 0)

	base, cancel, errCh := startAPI(t, env, apiOpts{}, blockingConsumer{})

	require.Eventually(t, func() bool {
		code, _ := get(t, base+"/healthz")
		return code == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	code, body := get(t, fmt.Sprintf("%s/v1/applications/%d/workflow", base, app.ID))
	require.Equal(t, http.StatusOK, code)
	var wf struct {
		Application struct {
			ID     uint64
			Status models.ApplicationStatus
		} `json:"application"`
	}
	require.NoError(t, json.Unmarshal(body, &wf))
	require.Equal(t, app.ID, wf.Application.ID)
	require.Equal(t, models.ApplicationStatusSubmitted, wf.Application.Status)

	code, body = get(t, base+"/v1/applications/999/workflow")
	require.Equal(t, http.StatusNotFound, code)
	require.Contains(t, string(body), `"error":"not_found"`)

	code, _ = get(t, base+"/v1/applications/abc/workflow")
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = get(t, base+"/v1/print-queue?limit=zero")
	require.Equal(t, http.StatusBadRequest, code)

	code, body = get(t, base+"/v1/print-queue")
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[]`, string(body))

	code, body = get(t, base+"/v1/statistics/applications")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `"submitted":1`)

	code, body = get(t, base+"/v1/statistics/shipping")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `"pending":0`)

	code, _ = get(t, base+"/v1/statistics/print-jobs")
	require.Equal(t, http.StatusOK, code)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for api to stop")
	}
}

func TestRunFulfillmentAPI_SwaggerServed(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	env := servicetest.New(t, servicetest.DefaultOptions())
	base, _, _ := startAPI(t, env, apiOpts{swaggerPath: sw}, nil)

	code, body := get(t, base+"/swagger.json")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, string(body), `"swagger"`)
}

func TestRunFulfillmentAPI_MissingSwaggerFile(t *testing.T) {
	env := servicetest.New(t, servicetest.DefaultOptions())
	err := runFulfillmentAPI(context.Background(), apiOpts{
		grpcAddr:    "127.0.0.1:0",
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "missing.json"),
	}, services(env), nil)
	require.Error(t, err)
}

func TestRunFulfillmentAPI_DispatchesConsumedEvents(t *testing.T) {
	env := servicetest.New(t, servicetest.DefaultOptions())
	loc := env.Location("GAB", models.PrintingTypeLocal)
	env.Staffed(loc.ID)

	app := env.Submit(loc.ID, 0)
	env.Approve(app.ID)
	lic, err := env.Lifecycle.RegisterLicense(env.Ctx, app.ID, models.Artifacts{Front: "front.png"}, servicetest.Admin)
	require.NoError(t, err)

	startAPI(t, env, apiOpts{}, busConsumer{bus: env.Bus})

	require.Eventually(t, func() bool {
		if _, err := env.Relay.RunOnce(env.Ctx); err != nil {
			return false
		}
		return env.App(app.ID).Status == models.ApplicationStatusQueuedForPrinting
	}, 3*time.Second, 20*time.Millisecond)
	require.NotNil(t, env.ActiveJob(lic.ID))
}

func TestConsumeLoop_RestartsAfterFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &flakyConsumer{}
	done := make(chan error, 1)
	go func() {
		done <- consumeLoop(ctx, c, func(context.Context, []byte, []byte) error { return nil }, 5*time.Millisecond, logger.Nop())
	}()

	require.Eventually(t, func() bool { return c.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestStatusFor(t *testing.T) {
	cases := map[apperr.Kind]int{
		apperr.KindValidation:        http.StatusBadRequest,
		apperr.KindPermission:        http.StatusForbidden,
		apperr.KindNotFound:          http.StatusNotFound,
		apperr.KindInvalidTransition: http.StatusConflict,
		apperr.KindAlreadyAssigned:   http.StatusConflict,
		apperr.KindRetryExhausted:    http.StatusConflict,
		apperr.KindNoCapacity:        http.StatusUnprocessableEntity,
		apperr.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, statusFor(kind), kind)
	}
}
