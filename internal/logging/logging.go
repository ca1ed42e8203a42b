// Package logging builds the gateway's *slog.Logger. Sinks are hot-swappable
// so a config reload can change level, console, file, or the Telegram mirror
// without replacing the logger held by every service.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"commgate/internal/config"
)

// Deliverer is the minimal send capability the Telegram log sink needs.
// The telegram channel adapter satisfies it.
type Deliverer interface {
	DeliverText(ctx context.Context, chatID int64, text string) error
}

type Service struct {
	atomicH *AtomicHandler
	logger  *slog.Logger

	mu     sync.Mutex
	sender Deliverer
	file   *os.File

	// telegram mirror target + limiter
	chatID   int64
	limiter  *rate.Limiter
	minLevel slog.Level
}

func New(cfg config.LoggingConfig) (*Service, *slog.Logger) {
	ah := NewAtomicHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	svc := &Service{atomicH: ah}
	svc.logger = slog.New(ah)
	svc.Apply(cfg)
	return svc, svc.logger
}

func (s *Service) Logger() *slog.Logger { return s.logger }

// SetTelegramSender installs the adapter used by the Telegram mirror. It is
// set after adapter construction because the adapter itself needs a logger.
func (s *Service) SetTelegramSender(d Deliverer) {
	s.mu.Lock()
	s.sender = d
	s.mu.Unlock()
}

func (s *Service) Apply(cfg config.LoggingConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := parseLevel(cfg.Level, slog.LevelInfo)

	var handlers []slog.Handler
	if cfg.Console {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		handlers = append(handlers, newZerologHandler(zerolog.New(cw).With().Timestamp().Logger(), level))
	}

	// File sink writes zerolog JSON lines. Close the previous file safely.
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if cfg.File.Enabled && strings.TrimSpace(cfg.File.Path) != "" {
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			s.file = f
			handlers = append(handlers, newZerologHandler(zerolog.New(f).With().Timestamp().Logger(), level))
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.ChatID != 0 {
		s.minLevel = parseLevel(cfg.Telegram.MinLevel, slog.LevelWarn)
		rps := cfg.Telegram.RatePerSec
		if rps <= 0 {
			rps = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		s.chatID = cfg.Telegram.ChatID
		handlers = append(handlers, &telegramHandler{svc: s, baseLevel: level})
	}

	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	s.atomicH.Swap(Fanout(handlers...))
}

func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

func parseLevel(raw string, def slog.Level) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return def
	}
}

// ---- Atomic handler (hot swap without replacing slog.Logger) ----

type AtomicHandler struct {
	mu sync.RWMutex
	h  slog.Handler
}

func NewAtomicHandler(h slog.Handler) *AtomicHandler { return &AtomicHandler{h: h} }

func (a *AtomicHandler) Swap(h slog.Handler) {
	a.mu.Lock()
	a.h = h
	a.mu.Unlock()
}

func (a *AtomicHandler) cur() slog.Handler {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.h
}

func (a *AtomicHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return a.cur().Enabled(ctx, level)
}
func (a *AtomicHandler) Handle(ctx context.Context, r slog.Record) error {
	return a.cur().Handle(ctx, r)
}
func (a *AtomicHandler) WithAttrs(attrs []slog.Attr) slog.Handler { return a.cur().WithAttrs(attrs) }
func (a *AtomicHandler) WithGroup(name string) slog.Handler       { return a.cur().WithGroup(name) }

// ---- Fanout ----

type fanout struct{ hs []slog.Handler }

func Fanout(h ...slog.Handler) slog.Handler { return &fanout{hs: h} }

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.hs {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range f.hs {
		_ = h.Handle(ctx, r)
	}
	return nil
}
func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler { return f }
func (f *fanout) WithGroup(name string) slog.Handler       { return f }
