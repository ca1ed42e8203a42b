package idempotency

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"commgate/internal/store"
)

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewGuard(store.NewWithClient(client), slog.New(slog.DiscardHandler)), mr
}

func TestDoWithoutKeyPassesThrough(t *testing.T) {
	g, _ := newTestGuard(t)

	var calls int
	resp, err := g.Do(context.Background(), "", func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"ok":true}`), nil
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(resp))
	require.Equal(t, 1, calls)
}

func TestDoCachesResponse(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	var calls int
	op := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{"id":"cmd_1"}`), nil
	}

	first, err := g.Do(ctx, "k1", op)
	require.NoError(t, err)
	second, err := g.Do(ctx, "k1", op)
	require.NoError(t, err)

	require.Equal(t, string(first), string(second))
	require.Equal(t, 1, calls, "operation must execute exactly once")
}

func TestDoConflictWhileInFlight(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := g.Do(ctx, "k2", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte(`{}`), nil
		})
		require.NoError(t, err)
	}()

	<-started
	_, err := g.Do(ctx, "k2", func(context.Context) ([]byte, error) {
		t.Fatal("duplicate must not execute")
		return nil, nil
	})
	require.ErrorIs(t, err, ErrInFlight)

	close(release)
	wg.Wait()
}

func TestConcurrentCallersSingleExecution(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	var executions atomic.Int32
	op := func(context.Context) ([]byte, error) {
		executions.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte(`{"id":"cmd_x"}`), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = g.Do(ctx, "k3", op)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(1), executions.Load(), "exactly one side effect")
	var okCount, conflictCount int
	for _, err := range results {
		switch {
		case err == nil:
			okCount++
		default:
			require.ErrorIs(t, err, ErrInFlight)
			conflictCount++
		}
	}
	require.GreaterOrEqual(t, okCount, 1)
	require.Equal(t, n, okCount+conflictCount)
}

func TestCacheExpiry(t *testing.T) {
	g, mr := newTestGuard(t)
	ctx := context.Background()

	var calls int
	op := func(context.Context) ([]byte, error) {
		calls++
		return []byte(`{}`), nil
	}

	_, err := g.Do(ctx, "k4", op)
	require.NoError(t, err)

	mr.FastForward(25 * time.Hour)

	_, err = g.Do(ctx, "k4", op)
	require.NoError(t, err)
	require.Equal(t, 2, calls, "retention window elapsed, re-execution allowed")
}
