// Package events ingests execution callbacks from backend services and folds
// them into dispatch state: status records, result/error side records, retry
// scheduling, operator notifications and per-service metrics.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"commgate/internal/dispatch"
	"commgate/internal/eventbus"
	"commgate/internal/store"
)

// ErrValidation covers malformed event payloads.
var ErrValidation = errors.New("events: invalid event")

const (
	eventTTL   = 24 * time.Hour
	metricsTTL = 7 * 24 * time.Hour
)

// Event is one execution callback from a backend service.
type Event struct {
	CommandID string         `json:"command_id"`
	Service   string         `json:"service"`
	Status    string         `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	LatencyMS int64          `json:"latency_ms,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// Notifier delivers operator-facing outcome notices. Satisfied by the
// telegram bot.
type Notifier interface {
	DeliverText(ctx context.Context, chatID int64, text string) error
}

type Service struct {
	store      *store.Store
	engine     *dispatch.Engine
	bus        eventbus.Bus
	log        *slog.Logger
	adminChats []int64

	notifier Notifier
}

func NewService(st *store.Store, engine *dispatch.Engine, bus eventbus.Bus, adminChats []int64, log *slog.Logger) *Service {
	return &Service{
		store:      st,
		engine:     engine,
		bus:        bus,
		adminChats: adminChats,
		log:        log,
	}
}

// SetNotifier wires the operator notification path. Optional; without it
// outcomes land only on status records.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// StatusPending is reported by services that accepted a command but have not
// started working on it yet.
const StatusPending = "pending"

var allowedStatuses = map[string]struct{}{
	StatusPending:             {},
	dispatch.StatusProcessing: {},
	dispatch.StatusCompleted:  {},
	dispatch.StatusFailed:     {},
}

// terminalStatuses are outcomes a late pending/processing callback must not
// roll back.
var terminalStatuses = map[string]struct{}{
	dispatch.StatusCompleted: {},
	dispatch.StatusFailed:    {},
	dispatch.StatusSent:      {},
	dispatch.StatusRejected:  {},
}

// HandleEvent applies one callback. The write path is best-effort beyond the
// status update: a failed metrics or notification write never rejects the
// event.
func (s *Service) HandleEvent(ctx context.Context, ev Event) error {
	if ev.CommandID == "" || ev.Service == "" {
		return fmt.Errorf("%w: command_id and service are required", ErrValidation)
	}
	if _, ok := allowedStatuses[ev.Status]; !ok {
		return fmt.Errorf("%w: status %q", ErrValidation, ev.Status)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	s.persistEvent(ctx, ev)

	fields := map[string]string{"service": ev.Service}
	if ev.LatencyMS > 0 {
		fields["latency_ms"] = fmt.Sprintf("%d", ev.LatencyMS)
	}
	switch ev.Status {
	case dispatch.StatusCompleted:
		if len(ev.Output) > 0 {
			if out, err := json.Marshal(ev.Output); err == nil {
				s.engine.RecordResult(ctx, ev.CommandID, string(out))
				fields["output"] = string(out)
			}
		}
	case dispatch.StatusFailed:
		if ev.Error != "" {
			s.engine.RecordError(ctx, ev.CommandID, ev.Error)
			fields["error"] = ev.Error
		}
		s.maybeRetry(ctx, ev.CommandID)
	}
	if s.shouldUpdateStatus(ctx, ev) {
		s.engine.UpdateStatus(ctx, ev.CommandID, ev.Status, fields)
	}

	s.recordMetrics(ctx, ev)
	if ev.Status != dispatch.StatusProcessing {
		s.notifyOperators(ctx, ev)
	}

	s.bus.Publish(eventbus.Event{Type: "event." + ev.Status, Data: ev})
	s.log.Info("service event applied",
		slog.String("command_id", ev.CommandID),
		slog.String("service", ev.Service),
		slog.String("status", ev.Status))
	return nil
}

// shouldUpdateStatus rejects transitions that would move a finished dispatch
// back to an in-flight state. Callbacks can arrive out of order.
func (s *Service) shouldUpdateStatus(ctx context.Context, ev Event) bool {
	if ev.Status != StatusPending && ev.Status != dispatch.StatusProcessing {
		return true
	}
	cur, err := s.engine.CurrentStatus(ctx, ev.CommandID)
	if err != nil {
		return true
	}
	if _, terminal := terminalStatuses[cur]; terminal {
		s.log.Info("stale status callback ignored",
			slog.String("command_id", ev.CommandID),
			slog.String("current", cur),
			slog.String("reported", ev.Status))
		return false
	}
	return true
}

// persistEvent keeps the raw callback for a day, both addressable by command
// and on the per-service stream.
func (s *Service) persistEvent(ctx context.Context, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	key := fmt.Sprintf("event:%s:%d", ev.CommandID, ev.Timestamp.UnixMilli())
	if err := s.store.Set(ctx, key, string(b), eventTTL); err != nil {
		s.log.Warn("event record write failed", slog.String("command_id", ev.CommandID), slog.Any("err", err))
	}
	if err := s.store.LPush(ctx, "events:"+ev.Service, string(b)); err != nil {
		s.log.Warn("event stream push failed", slog.String("service", ev.Service), slog.Any("err", err))
	}
}

// maybeRetry schedules the single delayed retry for failed commands whose
// unit is still live and carries a fallback.
func (s *Service) maybeRetry(ctx context.Context, id string) {
	u, err := s.engine.LoadUnit(ctx, id)
	if err != nil {
		return
	}
	if len(u.Routing.Fallback) > 0 {
		s.engine.ScheduleRetry(ctx, id)
	}
}

func (s *Service) recordMetrics(ctx context.Context, ev Event) {
	date := ev.Timestamp.Format("2006-01-02")
	counter := fmt.Sprintf("metrics:%s:%s:%s", ev.Service, date, ev.Status)
	if n, err := s.store.Incr(ctx, counter); err == nil && n == 1 {
		_ = s.store.Expire(ctx, counter, metricsTTL)
	}
	if ev.LatencyMS > 0 {
		lkey := fmt.Sprintf("metrics:%s:%s:latency_ms", ev.Service, date)
		if err := s.store.LPush(ctx, lkey, fmt.Sprintf("%d", ev.LatencyMS)); err == nil {
			_ = s.store.Expire(ctx, lkey, metricsTTL)
		}
	}
}

func (s *Service) notifyOperators(ctx context.Context, ev Event) {
	if s.notifier == nil || len(s.adminChats) == 0 {
		return
	}
	text := formatOutcome(ev)
	for _, chat := range s.adminChats {
		if err := s.notifier.DeliverText(ctx, chat, text); err != nil {
			s.log.Warn("outcome notification failed",
				slog.Int64("chat_id", chat), slog.Any("err", err))
		}
	}
}

func formatOutcome(ev Event) string {
	emoji := "ℹ️"
	switch ev.Status {
	case dispatch.StatusCompleted:
		emoji = "✅"
	case dispatch.StatusFailed:
		emoji = "❌"
	case StatusPending:
		emoji = "⏸️"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\nservice: %s", emoji, ev.CommandID, ev.Status, ev.Service)
	if ev.LatencyMS > 0 {
		fmt.Fprintf(&b, "\nlatency: %dms", ev.LatencyMS)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, "\nerror: %s", ev.Error)
	}
	return b.String()
}

// Recent returns up to n newest callbacks recorded for a service.
func (s *Service) Recent(ctx context.Context, service string, n int64) ([]Event, error) {
	raw, err := s.store.LRange(ctx, "events:"+service, 0, n-1)
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raw))
	for _, r := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
