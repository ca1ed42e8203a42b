// Package telegram owns the bot: the outbound delivery adapter used by the
// dispatch engine and the inbound callback router that feeds confirm/reject
// button presses back into the confirmation state machine.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"commgate/internal/channel"
	"commgate/internal/config"
)

// Resolver drives the confirmation state machine from button callbacks.
type Resolver interface {
	Resolve(ctx context.Context, id string, confirmed bool) error
}

// StatusReader serves the /status command.
type StatusReader interface {
	Status(ctx context.Context, id string) (map[string]string, error)
}

type Bot struct {
	bot     *tele.Bot
	admins  map[int64]struct{}
	limiter *rate.Limiter
	log     *slog.Logger

	mu       sync.Mutex
	running  bool
	resolver Resolver
	statuses StatusReader
}

func New(cfg config.TelegramConfig, log *slog.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	admins := make(map[int64]struct{}, len(cfg.AdminChatIDs))
	for _, id := range cfg.AdminChatIDs {
		admins[id] = struct{}{}
	}

	tb := &Bot{
		bot:     b,
		admins:  admins,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
	}
	tb.registerHandlers()
	return tb, nil
}

// SetResolver wires the confirmation state machine. Set after construction
// because the engine needs the adapter first.
func (t *Bot) SetResolver(r Resolver) {
	t.mu.Lock()
	t.resolver = r
	t.mu.Unlock()
}

func (t *Bot) SetStatusReader(s StatusReader) {
	t.mu.Lock()
	t.statuses = s
	t.mu.Unlock()
}

// Start launches the long-poll loop. It returns immediately; Stop halts it.
func (t *Bot) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.bot.Stop()
	}()
	go func() {
		t.log.Info("telegram polling started")
		t.bot.Start()
		t.log.Info("telegram polling stopped")
	}()
}

func (t *Bot) Stop() {
	t.mu.Lock()
	wasRunning := t.running
	t.running = false
	t.mu.Unlock()
	if wasRunning {
		// telebot Stop is expected to be fast; don't block shutdown on it.
		go t.bot.Stop()
	}
}

func (t *Bot) registerHandlers() {
	t.bot.Handle(tele.OnCallback, t.guard(t.onCallback))

	t.bot.Handle("/ping", t.guard(func(c tele.Context) error {
		return c.Send("pong")
	}))

	t.bot.Handle("/status", t.guard(func(c tele.Context) error {
		args := c.Args()
		if len(args) != 1 {
			return c.Send("usage: /status <dispatch_id>")
		}
		t.mu.Lock()
		statuses := t.statuses
		t.mu.Unlock()
		if statuses == nil {
			return c.Send("status lookup unavailable")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := statuses.Status(ctx, args[0])
		if err != nil || len(st) == 0 {
			return c.Send(fmt.Sprintf("%s not found", args[0]))
		}
		return c.Send(fmt.Sprintf("id: %s\nstatus: %s\nservice: %s\nupdated: %s",
			args[0], st["status"], st["service"], st["updated_at"]))
	}))
}

// guard rejects updates from senders outside the admin list.
func (t *Bot) guard(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}
		if _, ok := t.admins[sender.ID]; !ok {
			t.log.Warn("telegram access denied", slog.Int64("user_id", sender.ID))
			return c.Send("Unauthorized. This bot is for operators only.")
		}
		return next(c)
	}
}

func (t *Bot) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	data := strings.TrimPrefix(cb.Data, "\f")
	action, id, ok := strings.Cut(data, ":")
	if !ok || (action != "confirm" && action != "reject") {
		return c.Respond(&tele.CallbackResponse{})
	}

	t.mu.Lock()
	resolver := t.resolver
	t.mu.Unlock()
	if resolver == nil {
		return c.Respond(&tele.CallbackResponse{Text: "not ready"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := resolver.Resolve(ctx, id, action == "confirm"); err != nil {
		t.log.Warn("confirmation callback failed", slog.String("id", id), slog.Any("err", err))
		_ = c.Respond(&tele.CallbackResponse{Text: "expired or already handled"})
		return c.Send(fmt.Sprintf("%s expired or not found", id))
	}

	if action == "confirm" {
		_ = c.Respond(&tele.CallbackResponse{Text: "confirmed"})
		return c.Send(fmt.Sprintf("%s confirmed and queued for execution", id))
	}
	_ = c.Respond(&tele.CallbackResponse{Text: "rejected"})
	return c.Send(fmt.Sprintf("%s rejected", id))
}

// ---- channel.Channel ----

func (t *Bot) Name() string { return channel.Telegram }

func (t *Bot) Deliver(ctx context.Context, to channel.Recipient, msg channel.Message) error {
	if to.ChatID == 0 {
		return channel.ErrNoRecipient
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	text := msg.Text
	if msg.Subject != "" {
		text = msg.Subject + "\n\n" + text
	}

	opts := &tele.SendOptions{DisableWebPagePreview: true}
	if msg.Confirm != nil && msg.Confirm.ID != "" {
		opts.ReplyMarkup = &tele.ReplyMarkup{
			InlineKeyboard: [][]tele.InlineButton{{
				{Text: "✅ Yes", Data: "confirm:" + msg.Confirm.ID},
				{Text: "❌ No", Data: "reject:" + msg.Confirm.ID},
			}},
		}
	}

	_, err := t.bot.Send(&tele.Chat{ID: to.ChatID}, text, opts)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// DeliverText is the minimal path used by the logging mirror.
func (t *Bot) DeliverText(ctx context.Context, chatID int64, text string) error {
	return t.Deliver(ctx, channel.Recipient{ChatID: chatID}, channel.Message{Text: text})
}
