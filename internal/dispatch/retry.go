package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"commgate/internal/store"
)

const retryQueueKey = "queue:retries"

type retryEntry struct {
	ID      string    `json:"id"`
	RetryAt time.Time `json:"retry_at"`
}

// ScheduleRetry enqueues one delayed re-execution for id. The sweeper picks
// it up after the configured delay. Units that expire before the retry is
// due are skipped silently.
func (e *Engine) ScheduleRetry(ctx context.Context, id string) {
	entry, err := json.Marshal(retryEntry{
		ID:      id,
		RetryAt: time.Now().UTC().Add(e.opts.RetryDelay),
	})
	if err != nil {
		return
	}
	if err := e.store.LPush(ctx, retryQueueKey, string(entry)); err != nil {
		e.log.Warn("retry schedule failed", slog.String("id", id), slog.Any("err", err))
		return
	}
	e.log.Info("retry scheduled", slog.String("id", id), slog.Duration("delay", e.opts.RetryDelay))
}

// sweepRetries drains due entries from the retry queue. Entries are pushed
// in arrival order and carry a uniform delay, so the oldest entry not yet
// due means nothing behind it is due either.
func (e *Engine) sweepRetries(ctx context.Context) {
	for {
		raw, err := e.store.RPop(ctx, retryQueueKey)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				e.log.Warn("retry queue pop failed", slog.Any("err", err))
			}
			return
		}
		var entry retryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			e.log.Warn("retry entry decode failed", slog.Any("err", err))
			continue
		}
		if time.Now().Before(entry.RetryAt) {
			if err := e.store.RPush(ctx, retryQueueKey, raw); err != nil {
				e.log.Warn("retry entry requeue failed", slog.String("id", entry.ID), slog.Any("err", err))
			}
			return
		}

		u, err := e.LoadUnit(ctx, entry.ID)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				e.log.Warn("retry unit load failed", slog.String("id", entry.ID), slog.Any("err", err))
			}
			continue
		}
		e.log.Info("retrying dispatch", slog.String("id", u.ID))
		e.run(ctx, u)
	}
}
