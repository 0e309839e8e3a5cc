package rediscache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSetDel(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	b, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), b)

	require.NoError(t, c.Del(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisCache_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCarrierLimiter_Take(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewCarrierLimiter(mr.Addr())
	t.Cleanup(func() { _ = rl.Close() })

	ctx := context.Background()
	at := time.Date(2026, 3, 4, 10, 15, 20, 0, time.UTC)

	ok, n, err := rl.Take(ctx, "DHL", 2, at)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
	require.True(t, mr.Exists("licenseflow:rl:courier:dhl:202603041015"))

	ok, n, _ = rl.Take(ctx, "dhl", 2, at.Add(30*time.Second))
	require.True(t, ok)
	require.Equal(t, int64(2), n)

	ok, n, _ = rl.Take(ctx, "dhl", 2, at.Add(35*time.Second))
	require.False(t, ok)
	require.Equal(t, int64(3), n)

	// another carrier has its own budget
	ok, n, _ = rl.Take(ctx, "ems", 2, at)
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	// the next minute starts a fresh window
	ok, n, _ = rl.Take(ctx, "dhl", 2, at.Add(time.Minute))
	require.True(t, ok)
	require.Equal(t, int64(1), n)

	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("licenseflow:rl:courier:dhl:202603041015"))
}

func TestCarrierLimiter_NoLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewCarrierLimiter(mr.Addr())
	t.Cleanup(func() { _ = rl.Close() })

	ok, n, err := rl.Take(context.Background(), "dhl", 0, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, n)
	require.Empty(t, mr.Keys())
}

func TestGuard_CheckAndMarkProcessed(t *testing.T) {
	mr := miniredis.RunT(t)
	g, err := NewGuard(New(mr.Addr()), time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	id := uuid.New()

	seen, err := g.CheckAndMarkProcessed(ctx, "lifecycle", id)
	require.NoError(t, err)
	require.False(t, seen)

	seen, err = g.CheckAndMarkProcessed(ctx, "lifecycle", id)
	require.NoError(t, err)
	require.True(t, seen)

	seen, err = g.CheckAndMarkProcessed(ctx, "printqueue", id)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, g.Delete(ctx, "lifecycle", id))
	seen, err = g.CheckAndMarkProcessed(ctx, "lifecycle", id)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestGuard_RejectsEmptyKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	g, err := NewGuard(New(mr.Addr()), time.Hour)
	require.NoError(t, err)

	_, err = g.CheckAndMarkProcessed(context.Background(), "", uuid.New())
	require.Error(t, err)
	_, err = g.CheckAndMarkProcessed(context.Background(), "c", uuid.Nil)
	require.Error(t, err)

	_, err = NewGuard(nil, time.Hour)
	require.Error(t, err)
}
