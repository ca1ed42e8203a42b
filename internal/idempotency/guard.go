// Package idempotency deduplicates externally retried mutating calls.
//
// Given a client-supplied key, the wrapped operation executes at most once
// within the retention window; duplicate callers get the original response
// back, and concurrent duplicates get ErrInFlight rather than a second
// execution.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"commgate/internal/store"
)

// ErrInFlight means another request with the same key is currently being
// processed. The caller should retry later, never re-execute.
var ErrInFlight = errors.New("idempotency: request already in flight")

const (
	cacheTTL = 24 * time.Hour
	lockTTL  = 30 * time.Second
)

type Guard struct {
	store *store.Store
	log   *slog.Logger
}

func NewGuard(st *store.Store, log *slog.Logger) *Guard {
	return &Guard{store: st, log: log}
}

// Do runs fn at most once per key. With an empty key it passes through with
// no guarantee. The returned bytes are the operation's serialized response
// (fresh or cached).
//
// If the process dies between lock acquisition and release, the lock's TTL
// is the sole recovery path: duplicates fail with ErrInFlight until it
// elapses. Bounded unavailability is preferred over duplicate execution.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if key == "" {
		return fn(ctx)
	}

	cacheKey := "idempotency:" + key
	if cached, err := g.store.Get(ctx, cacheKey); err == nil {
		g.log.Debug("idempotent replay", slog.String("key", key))
		return []byte(cached), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	lockKey := cacheKey + ":lock"
	token, err := g.store.AcquireLock(ctx, lockKey, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency lock: %w", err)
	}
	if token == "" {
		return nil, ErrInFlight
	}
	defer func() {
		// Release on success and failure alike; check-owner-then-delete makes
		// a post-expiry release a no-op.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := g.store.ReleaseLock(rctx, lockKey, token); err != nil {
			g.log.Warn("idempotency lock release failed", slog.String("key", key), slog.Any("err", err))
		}
	}()

	// Lost race window: another holder may have cached a response between our
	// cache miss and lock acquisition.
	if cached, err := g.store.Get(ctx, cacheKey); err == nil {
		return []byte(cached), nil
	}

	resp, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	if err := g.store.Set(ctx, cacheKey, string(resp), cacheTTL); err != nil {
		g.log.Warn("idempotency cache write failed", slog.String("key", key), slog.Any("err", err))
	}
	return resp, nil
}
