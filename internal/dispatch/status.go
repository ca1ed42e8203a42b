package dispatch

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// setStatus writes the status hash for a unit. The hash outlives the unit
// itself (24h) so callers can still see the outcome of expired dispatches.
func (e *Engine) setStatus(ctx context.Context, id, status string, fields map[string]string) {
	pairs := []any{
		"status", status,
		"updated_at", time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		pairs = append(pairs, k, v)
	}
	if err := e.store.HSet(ctx, statusKey(id), pairs...); err != nil {
		e.log.Warn("status write failed", slog.String("id", id), slog.Any("err", err))
		return
	}
	if err := e.store.Expire(ctx, statusKey(id), statusTTL); err != nil {
		e.log.Warn("status expire failed", slog.String("id", id), slog.Any("err", err))
	}
}

// UpdateStatus applies an externally reported transition, typically from the
// event ingestion path.
func (e *Engine) UpdateStatus(ctx context.Context, id, status string, fields map[string]string) {
	e.setStatus(ctx, id, status, fields)
}

// CurrentStatus returns just the status field for a dispatch id.
// store.ErrNotFound when no status record exists.
func (e *Engine) CurrentStatus(ctx context.Context, id string) (string, error) {
	return e.store.HGet(ctx, statusKey(id), "status")
}

// Status returns the status hash for a dispatch id. While the unit itself is
// still live its remaining lifetime is reported as ttl_seconds. ErrNotFound
// when neither the unit nor its status record exists anymore.
func (e *Engine) Status(ctx context.Context, id string) (map[string]string, error) {
	st, err := e.store.HGetAll(ctx, statusKey(id))
	if err != nil {
		return nil, err
	}
	if len(st) == 0 {
		return nil, ErrNotFound
	}
	if ttl, err := e.store.TTL(ctx, unitKey(id)); err == nil && ttl > 0 {
		st["ttl_seconds"] = strconv.Itoa(int(ttl.Seconds()))
	}
	return st, nil
}

// Result returns the stored success output for id, if any.
func (e *Engine) Result(ctx context.Context, id string) (string, error) {
	return e.store.Get(ctx, resultKey(id))
}

// Error returns the stored failure reason for id, if any.
func (e *Engine) Error(ctx context.Context, id string) (string, error) {
	return e.store.Get(ctx, errorKey(id))
}
