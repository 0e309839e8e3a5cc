package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/BearBump/LicenseFlow/internal/metrics"
)

func TestPoller_RunOnce_RecordsStats(t *testing.T) {
	p := New("test", func(ctx context.Context) (Result, error) {
		return Result{Claimed: 3, Processed: 2, Errors: 1, LastError: "one failed", Outcomes: map[string]int{"ok": 2}}, nil
	}).WithMetrics(metrics.NewLoopMetrics(prometheus.NewRegistry()))

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Claimed)

	st := p.Stats()
	require.Equal(t, "test", st.Name)
	require.Equal(t, int64(1), st.TotalCycles)
	require.Equal(t, int64(3), st.TotalClaimed)
	require.Equal(t, int64(2), st.TotalProcessed)
	require.Equal(t, int64(1), st.TotalErrors)
	require.Equal(t, int64(0), st.InFlight)
	require.Equal(t, "one failed", st.LastError)
	require.NotNil(t, st.LastCycleAt)
}

func TestPoller_RunOnce_CycleError(t *testing.T) {
	p := New("test", func(ctx context.Context) (Result, error) {
		return Result{}, errors.New("claim failed")
	})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	require.Equal(t, "claim failed", p.Stats().LastError)
}

func TestPoller_Run_StopsOnContextCancel(t *testing.T) {
	var calls atomic.Int64
	p := New("test", func(ctx context.Context) (Result, error) {
		calls.Add(1)
		return Result{}, nil
	}).WithInterval(5 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, calls.Load(), int64(1))
}

func TestPoller_Trigger(t *testing.T) {
	done := make(chan struct{}, 1)
	p := New("test", func(ctx context.Context) (Result, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return Result{}, nil
	}).WithInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	p.Trigger()
	p.Trigger() // coalesced
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not run a cycle")
	}
	require.NotNil(t, p.Stats().LastTriggerAt)
}
