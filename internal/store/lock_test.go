package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client), mr
}

func TestAcquireReleaseLock(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token, err := s.AcquireLock(ctx, "res", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// Second acquire must fail while held.
	other, err := s.AcquireLock(ctx, "res", 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, other)

	ok, err := s.ReleaseLock(ctx, "res", token)
	require.NoError(t, err)
	require.True(t, ok)

	// Released: acquirable again.
	again, err := s.AcquireLock(ctx, "res", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, again)
}

func TestReleaseLockWrongToken(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	token, err := s.AcquireLock(ctx, "res", 30*time.Second)
	require.NoError(t, err)

	ok, err := s.ReleaseLock(ctx, "res", "not-the-owner")
	require.NoError(t, err)
	require.False(t, ok)

	// Still held by the original owner.
	other, err := s.AcquireLock(ctx, "res", 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, other)

	ok, err = s.ReleaseLock(ctx, "res", token)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseAfterExpiryAndReacquire(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	stale, err := s.AcquireLock(ctx, "res", time.Second)
	require.NoError(t, err)

	// Lock expires; a new holder takes it.
	mr.FastForward(2 * time.Second)
	fresh, err := s.AcquireLock(ctx, "res", 30*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, fresh)

	// The stale token must not release the new holder's lock.
	ok, err := s.ReleaseLock(ctx, "res", stale)
	require.NoError(t, err)
	require.False(t, ok)

	held, err := s.Exists(ctx, "lock:res")
	require.NoError(t, err)
	require.True(t, held)
}

func TestGetSetTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", 10*time.Second))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	mr.FastForward(11 * time.Second)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}
