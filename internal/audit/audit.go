// Package audit appends write-once trail entries for every dispatch.
// Entries are best-effort: a failed append never blocks the dispatch path.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"commgate/internal/store"
)

// Entry is one append-only audit record.
type Entry struct {
	DispatchID  string         `json:"dispatch_id"`
	Kind        string         `json:"kind"`
	Service     string         `json:"service,omitempty"`
	Action      string         `json:"action,omitempty"`
	Args        map[string]any `json:"args,omitempty"`
	RequestedBy string         `json:"requested_by"`
	TraceID     string         `json:"trace_id"`
	Timestamp   time.Time      `json:"timestamp"`
}

type Log struct {
	store *store.Store
	log   *slog.Logger
}

func NewLog(st *store.Store, log *slog.Logger) *Log {
	return &Log{store: st, log: log}
}

// Append records e on the per-kind audit list. Errors are logged, not
// returned; the caller's dispatch must proceed regardless.
func (l *Log) Append(ctx context.Context, e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.RequestedBy == "" {
		e.RequestedBy = "system"
	}
	b, err := json.Marshal(e)
	if err != nil {
		l.log.Warn("audit entry marshal failed", slog.String("dispatch_id", e.DispatchID), slog.Any("err", err))
		return
	}
	key := "audit:" + e.Kind + "s"
	if err := l.store.LPush(ctx, key, string(b)); err != nil {
		l.log.Warn("audit append failed", slog.String("dispatch_id", e.DispatchID), slog.Any("err", err))
		return
	}
	l.log.Debug("audit logged", slog.String("dispatch_id", e.DispatchID), slog.String("trace_id", e.TraceID))
}

// Recent returns up to n newest entries for kind ("command" or "message").
func (l *Log) Recent(ctx context.Context, kind string, n int64) ([]Entry, error) {
	raw, err := l.store.LRange(ctx, "audit:"+kind+"s", 0, n-1)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
