// Package app assembles the gateway: config, logging, store, channels,
// dispatch, verification, events and the HTTP API, with one lifecycle.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"commgate/internal/audit"
	"commgate/internal/channel"
	"commgate/internal/config"
	"commgate/internal/dispatch"
	"commgate/internal/eventbus"
	"commgate/internal/events"
	"commgate/internal/httpapi"
	"commgate/internal/idempotency"
	"commgate/internal/logging"
	"commgate/internal/runtime/supervisor"
	"commgate/internal/store"
	"commgate/internal/telegram"
	"commgate/internal/token"
	"commgate/internal/verification"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logging.Service
	log    *slog.Logger

	store         *store.Store
	bus           eventbus.Bus
	engine        *dispatch.Engine
	verifications *verification.Service
	events        *events.Service
	api           *httpapi.Server
	tg            *telegram.Bot

	sup *supervisor.Supervisor
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath, nil)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, logger := logging.New(cfg.Logging)
	st := store.New(store.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	issuer, err := token.NewIssuer(cfg.Auth)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New()

	var channels []channel.Channel
	var tg *telegram.Bot
	if cfg.Telegram.Enabled {
		tg, err = telegram.New(cfg.Telegram, logger)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		channels = append(channels, tg)
		logSvc.SetTelegramSender(tg)
	}
	if cfg.Email.Enabled {
		em, err := channel.NewEmailChannel(cfg.Email, logger)
		if err != nil {
			return nil, fmt.Errorf("email: %w", err)
		}
		channels = append(channels, em)
	}
	reg := channel.NewRegistry(channels...)

	opts, err := dispatch.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := dispatch.NewEngine(st, reg, audit.NewLog(st, logger), issuer, bus, opts, logger)
	if tg != nil {
		tg.SetResolver(engine)
		tg.SetStatusReader(engine)
	}

	verifications := verification.NewService(st, reg, issuer, bus, cfg.Server.BaseURL, logger)
	eventSvc := events.NewService(st, engine, bus, cfg.Telegram.AdminChatIDs, logger)
	if tg != nil {
		eventSvc.SetNotifier(tg)
	}

	api := httpapi.NewServer(cfg.Server.Addr, httpapi.Deps{
		Store:         st,
		Engine:        engine,
		Verifications: verifications,
		Events:        eventSvc,
		Guard:         idempotency.NewGuard(st, logger),
		Tokens:        issuer,
	}, logger)

	return &App{
		cfgMgr:        mgr,
		logSvc:        logSvc,
		log:           logger,
		store:         st,
		bus:           bus,
		engine:        engine,
		verifications: verifications,
		events:        eventSvc,
		api:           api,
		tg:            tg,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, a.log)

	pctx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Second)
	err := a.store.Ping(pctx)
	cancel()
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("dispatch engine: %w", err)
	}
	if a.tg != nil {
		a.tg.Start(a.sup.Context())
	}
	a.api.Start(a.sup.Context())

	a.sup.GoRestart("config.watch", a.cfgMgr.Watch)
	a.sup.Go0("eventbus.drain", func(ctx context.Context) {
		drainBus(ctx, a.bus, a.store, a.log)
	})
	a.sup.Go0("config.apply", func(ctx context.Context) {
		updates := a.cfgMgr.Subscribe(1)
		defer a.cfgMgr.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.logSvc.Apply(cfg.Logging)
				a.log.Info("logging config applied")
			}
		}
	})

	a.log.Info("gateway started")
	return nil
}

// lifecycleChannel is the Redis pub/sub channel lifecycle signals are
// mirrored to, so external consumers can follow the gateway in real time.
const lifecycleChannel = "commgate:events"

// drainBus is the bus's consumer: every lifecycle signal is logged and
// mirrored onto Redis pub/sub.
func drainBus(ctx context.Context, bus eventbus.Bus, st *store.Store, log *slog.Logger) {
	signals, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-signals:
			log.Debug("lifecycle event", slog.String("type", ev.Type))
			b, err := json.Marshal(map[string]any{
				"type": ev.Type,
				"time": ev.Time.UTC().Format(time.RFC3339Nano),
				"data": ev.Data,
			})
			if err != nil {
				log.Warn("lifecycle event encode failed", slog.String("type", ev.Type), slog.Any("err", err))
				continue
			}
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			if err := st.Publish(pctx, lifecycleChannel, string(b)); err != nil {
				log.Warn("lifecycle publish failed", slog.String("type", ev.Type), slog.Any("err", err))
			}
			cancel()
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.api != nil {
		_ = a.api.Stop(ctx)
	}
	if a.tg != nil {
		a.tg.Stop()
	}
	if a.engine != nil {
		a.engine.Stop(ctx)
	}
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.logSvc.Close()
	_ = a.store.Close()
	a.log.Info("gateway stopped")
	return err
}
