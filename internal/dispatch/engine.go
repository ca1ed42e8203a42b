// Package dispatch is the gateway core: it accepts command and message
// requests, persists them as TTL-bound units, gates sensitive ones behind
// human confirmation, and drives execution and delivery with fallback.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"commgate/internal/audit"
	"commgate/internal/channel"
	"commgate/internal/config"
	"commgate/internal/eventbus"
	"commgate/internal/store"
	"commgate/internal/token"
)

const (
	resultTTL = 24 * time.Hour
	statusTTL = 24 * time.Hour
)

func unitKey(id string) string   { return "dispatch:" + id }
func statusKey(id string) string { return unitKey(id) + ":status" }
func resultKey(id string) string { return unitKey(id) + ":result" }
func errorKey(id string) string  { return unitKey(id) + ":error" }
func claimKey(id string) string  { return unitKey(id) + ":claim" }

// Options is the engine's resolved runtime configuration.
type Options struct {
	// Services maps logical service names to base URLs for command delivery.
	Services map[string]string
	// BaseURL prefixes magic-link confirmation URLs.
	BaseURL string
	// AdminChats receive command confirmation requests over telegram.
	AdminChats []int64
	// AdminEmail receives command confirmation requests over email.
	AdminEmail string

	UnitTTL     time.Duration
	ExecTimeout time.Duration
	RetryDelay  time.Duration
	RetrySweep  time.Duration
}

// OptionsFromConfig resolves duration strings and applies engine defaults.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	unitTTL, err := config.ParseDurationOrDefault("dispatch.unit_ttl", cfg.Dispatch.UnitTTL, 5*time.Minute)
	if err != nil {
		return Options{}, err
	}
	execTimeout, err := config.ParseDurationOrDefault("dispatch.exec_timeout", cfg.Dispatch.ExecTimeout, 5*time.Second)
	if err != nil {
		return Options{}, err
	}
	retryDelay, err := config.ParseDurationOrDefault("dispatch.retry_delay", cfg.Dispatch.RetryDelay, 5*time.Second)
	if err != nil {
		return Options{}, err
	}
	retrySweep, err := config.ParseDurationOrDefault("dispatch.retry_sweep", cfg.Dispatch.RetrySweep, time.Second)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Services:    cfg.Services,
		BaseURL:     strings.TrimRight(cfg.Server.BaseURL, "/"),
		AdminChats:  cfg.Telegram.AdminChatIDs,
		AdminEmail:  cfg.Email.AdminTo,
		UnitTTL:     unitTTL,
		ExecTimeout: execTimeout,
		RetryDelay:  retryDelay,
		RetrySweep:  retrySweep,
	}, nil
}

type Engine struct {
	store    *store.Store
	registry *channel.Registry
	audit    *audit.Log
	tokens   *token.Issuer
	bus      eventbus.Bus
	client   *http.Client
	log      *slog.Logger

	opts Options

	cron   *cron.Cron
	runCtx context.Context
}

func NewEngine(st *store.Store, reg *channel.Registry, aud *audit.Log, tokens *token.Issuer, bus eventbus.Bus, opts Options, log *slog.Logger) *Engine {
	if opts.UnitTTL <= 0 {
		opts.UnitTTL = 5 * time.Minute
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.RetrySweep <= 0 {
		opts.RetrySweep = time.Second
	}
	return &Engine{
		store:    st,
		registry: reg,
		audit:    aud,
		tokens:   tokens,
		bus:      bus,
		client:   &http.Client{Timeout: opts.ExecTimeout},
		log:      log,
		opts:     opts,
		runCtx:   context.Background(),
	}
}

// Start launches the retry sweeper. Stop halts it.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx = ctx
	e.cron = cron.New()
	if _, err := e.cron.AddFunc("@every "+e.opts.RetrySweep.String(), func() {
		e.sweepRetries(e.runCtx)
	}); err != nil {
		return err
	}
	e.cron.Start()
	return nil
}

func (e *Engine) Stop(ctx context.Context) {
	if e.cron == nil {
		return
	}
	select {
	case <-e.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// DispatchCommand accepts a cross-service command. It returns as soon as the
// unit is persisted; execution (or the confirmation wait) runs in the
// background and outcomes land on the status record.
func (e *Engine) DispatchCommand(ctx context.Context, req CommandRequest) (CommandAccepted, error) {
	if strings.TrimSpace(req.Service) == "" || strings.TrimSpace(req.Action) == "" {
		return CommandAccepted{}, fmt.Errorf("%w: service and action are required", ErrValidation)
	}

	u := &Unit{
		ID:                  "cmd_" + uuid.NewString(),
		Kind:                KindCommand,
		Service:             req.Service,
		Action:              req.Action,
		Args:                req.Args,
		Channel:             req.Channel,
		RequireConfirmation: req.RequireConfirmation,
		CreatedAt:           time.Now().UTC(),
	}
	if u.Args == nil {
		u.Args = map[string]any{}
	}
	if u.Channel == "" || u.Channel == channel.Auto {
		u.Channel = channel.Telegram
	}
	if req.Routing != nil {
		u.Routing = *req.Routing
	}
	if req.Audit != nil {
		u.Audit = *req.Audit
	}

	ttl := e.unitTTL(u)
	if err := e.persistUnit(ctx, u, ttl); err != nil {
		return CommandAccepted{}, err
	}
	e.audit.Append(ctx, audit.Entry{
		DispatchID:  u.ID,
		Kind:        KindCommand,
		Service:     u.Service,
		Action:      u.Action,
		Args:        u.Args,
		RequestedBy: u.Audit.RequestedBy,
		TraceID:     u.Audit.TraceID,
	})
	e.pushQueue(ctx, u)

	if u.RequireConfirmation {
		e.setStatus(ctx, u.ID, StatusPendingConfirmation, map[string]string{"service": u.Service})
		if err := e.requestConfirmation(ctx, u, ttl); err != nil {
			e.log.Warn("confirmation request delivery failed",
				slog.String("id", u.ID), slog.Any("err", err))
		}
		e.publish("dispatch.pending_confirmation", u, StatusPendingConfirmation, "")
		return CommandAccepted{CommandID: u.ID, Status: StatusPendingConfirmation}, nil
	}

	e.setStatus(ctx, u.ID, StatusQueued, map[string]string{"service": u.Service})
	e.publish("dispatch.queued", u, StatusQueued, "")
	go e.run(context.WithoutCancel(ctx), u)
	return CommandAccepted{CommandID: u.ID, Status: StatusQueued}, nil
}

// SendMessage accepts a human-facing notification. Channel "auto" picks
// telegram when a chat id is present, else email.
func (e *Engine) SendMessage(ctx context.Context, req MessageRequest) (MessageAccepted, error) {
	if strings.TrimSpace(req.TemplateKey) == "" {
		return MessageAccepted{}, fmt.Errorf("%w: template_key is required", ErrValidation)
	}
	name := req.Channel
	if name == "" {
		name = channel.Auto
	}

	// A message with no recipient at all is an operator broadcast.
	broadcast := false
	selected := name
	if (req.To == channel.Recipient{}) {
		if name == channel.Auto || name == channel.Telegram {
			selected = channel.Telegram
		}
		if len(e.adminRecipients(selected)) == 0 {
			return MessageAccepted{}, fmt.Errorf("%w: no recipient and no operators configured", ErrValidation)
		}
		if _, err := e.registry.Get(selected); err != nil {
			return MessageAccepted{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		broadcast = true
	} else {
		ch, err := e.registry.Select(name, req.To)
		if err != nil {
			return MessageAccepted{}, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		selected = ch.Name()
	}

	u := &Unit{
		ID:                  "msg_" + uuid.NewString(),
		Kind:                KindMessage,
		Channel:             selected,
		Broadcast:           broadcast,
		TemplateKey:         req.TemplateKey,
		Locale:              req.Locale,
		Data:                req.Data,
		To:                  req.To,
		RequireConfirmation: req.RequireConfirmation,
		CreatedAt:           time.Now().UTC(),
	}
	if u.Data == nil {
		u.Data = map[string]any{}
	}
	if req.Routing != nil {
		u.Routing = *req.Routing
	}
	if req.Audit != nil {
		u.Audit = *req.Audit
	}

	ttl := e.unitTTL(u)
	if err := e.persistUnit(ctx, u, ttl); err != nil {
		return MessageAccepted{}, err
	}
	e.audit.Append(ctx, audit.Entry{
		DispatchID:  u.ID,
		Kind:        KindMessage,
		Action:      u.TemplateKey,
		RequestedBy: u.Audit.RequestedBy,
		TraceID:     u.Audit.TraceID,
	})
	e.pushQueue(ctx, u)

	if u.RequireConfirmation {
		e.setStatus(ctx, u.ID, StatusPendingConfirmation, map[string]string{"channel": u.Channel})
		if err := e.requestConfirmation(ctx, u, ttl); err != nil {
			e.log.Warn("confirmation request delivery failed",
				slog.String("id", u.ID), slog.Any("err", err))
		}
		e.publish("dispatch.pending_confirmation", u, StatusPendingConfirmation, "")
		return MessageAccepted{MessageID: u.ID, Status: StatusPendingConfirmation, ChannelSelected: u.Channel}, nil
	}

	e.setStatus(ctx, u.ID, StatusQueued, map[string]string{"channel": u.Channel})
	e.publish("dispatch.queued", u, StatusQueued, "")
	go e.run(context.WithoutCancel(ctx), u)
	return MessageAccepted{MessageID: u.ID, Status: StatusQueued, ChannelSelected: u.Channel}, nil
}

// LoadUnit fetches a live unit. ErrNotFound after the TTL elapsed.
func (e *Engine) LoadUnit(ctx context.Context, id string) (*Unit, error) {
	raw, err := e.store.Get(ctx, unitKey(id))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var u Unit
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("unit %s decode: %w", id, err)
	}
	return &u, nil
}

func (e *Engine) unitTTL(u *Unit) time.Duration {
	if u.Routing.TTLSeconds > 0 {
		return time.Duration(u.Routing.TTLSeconds) * time.Second
	}
	return e.opts.UnitTTL
}

func (e *Engine) persistUnit(ctx context.Context, u *Unit, ttl time.Duration) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("unit %s encode: %w", u.ID, err)
	}
	if err := e.store.Set(ctx, unitKey(u.ID), string(b), ttl); err != nil {
		return fmt.Errorf("unit %s persist: %w", u.ID, err)
	}
	return nil
}

// pushQueue records the unit on its per-target work list. The lists are an
// observability surface (queue depth per service/channel); execution itself
// is in-process.
func (e *Engine) pushQueue(ctx context.Context, u *Unit) {
	var key string
	switch u.Kind {
	case KindCommand:
		key = "queue:commands:" + u.Service
	default:
		key = "queue:messages:" + u.Channel
	}
	entry, _ := json.Marshal(map[string]string{
		"id":        u.ID,
		"queued_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := e.store.LPush(ctx, key, string(entry)); err != nil {
		e.log.Warn("queue push failed", slog.String("id", u.ID), slog.Any("err", err))
	}
}

// run drives a queued unit to a terminal state.
func (e *Engine) run(ctx context.Context, u *Unit) {
	switch u.Kind {
	case KindCommand:
		e.executeCommand(ctx, u)
	default:
		e.deliverMessage(ctx, u)
	}
}

// requestConfirmation delivers the approve/deny prompt. Commands go to the
// configured operators; messages go to their own recipient.
func (e *Engine) requestConfirmation(ctx context.Context, u *Unit, ttl time.Duration) error {
	link, err := e.tokens.IssueMagicLinkToken(u.ID, "dispatch.confirm", ttl)
	if err != nil {
		return fmt.Errorf("magic link for %s: %w", u.ID, err)
	}
	msg := channel.Message{
		Subject: "Confirmation required",
		Text:    e.confirmationText(u, ttl),
		Confirm: &channel.Confirm{
			ID:  u.ID,
			URL: fmt.Sprintf("%s/v1/confirm?id=%s&token=%s", e.opts.BaseURL, u.ID, link),
		},
	}

	if u.Kind == KindMessage && !u.Broadcast {
		ch, err := e.registry.Get(u.Channel)
		if err != nil {
			return err
		}
		return ch.Deliver(ctx, u.To, msg)
	}

	ch, err := e.registry.Get(u.Channel)
	if err != nil {
		return err
	}
	var lastErr error
	delivered := false
	for _, to := range e.adminRecipients(u.Channel) {
		if err := ch.Deliver(ctx, to, msg); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if !delivered {
		if lastErr != nil {
			return lastErr
		}
		return fmt.Errorf("no operators configured for channel %s", u.Channel)
	}
	return nil
}

func (e *Engine) adminRecipients(channelName string) []channel.Recipient {
	if channelName == channel.Email {
		if e.opts.AdminEmail == "" {
			return nil
		}
		return []channel.Recipient{{Email: e.opts.AdminEmail}}
	}
	out := make([]channel.Recipient, 0, len(e.opts.AdminChats))
	for _, id := range e.opts.AdminChats {
		out = append(out, channel.Recipient{ChatID: id})
	}
	return out
}

func (e *Engine) confirmationText(u *Unit, ttl time.Duration) string {
	var b strings.Builder
	if u.Kind == KindCommand {
		fmt.Fprintf(&b, "Service: %s\nAction: %s\n", u.Service, u.Action)
		if len(u.Args) > 0 {
			keys := make([]string, 0, len(u.Args))
			for k := range u.Args {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("Args:\n")
			for _, k := range keys {
				fmt.Fprintf(&b, "  %s: %v\n", k, u.Args[k])
			}
		}
	} else {
		fmt.Fprintf(&b, "Message: %s\n", u.TemplateKey)
	}
	if u.Audit.RequestedBy != "" {
		fmt.Fprintf(&b, "Requested by: %s\n", u.Audit.RequestedBy)
	}
	fmt.Fprintf(&b, "Expires in %s.", ttl.Round(time.Second))
	return b.String()
}

func (e *Engine) publish(typ string, u *Unit, status, errMsg string) {
	e.bus.Publish(eventbus.Event{
		Type: typ,
		Data: DispatchEvent{
			ID:      u.ID,
			Kind:    u.Kind,
			Status:  status,
			Channel: u.Channel,
			Error:   errMsg,
		},
	})
}
