package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"commgate/internal/audit"
	"commgate/internal/channel"
	"commgate/internal/config"
	"commgate/internal/eventbus"
	"commgate/internal/store"
	"commgate/internal/token"
)

type fakeChannel struct {
	name string

	mu         sync.Mutex
	fail       bool
	messages   []channel.Message
	recipients []channel.Recipient
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, to channel.Recipient, msg channel.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("delivery refused")
	}
	f.recipients = append(f.recipients, to)
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeChannel) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeChannel) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeChannel) lastMessage() channel.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[len(f.messages)-1]
}

type testEnv struct {
	engine *Engine
	mr     *miniredis.Miniredis
	st     *store.Store
	tg     *fakeChannel
	email  *fakeChannel
}

func newTestEnv(t *testing.T, services map[string]string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewWithClient(client)

	log := slog.New(slog.DiscardHandler)
	issuer, err := token.NewIssuer(config.AuthConfig{JWTSecret: "test-secret"})
	require.NoError(t, err)

	tg := &fakeChannel{name: channel.Telegram}
	email := &fakeChannel{name: channel.Email}
	reg := channel.NewRegistry(tg, email)

	eng := NewEngine(st, reg, audit.NewLog(st, log), issuer, eventbus.New(), Options{
		Services:    services,
		BaseURL:     "http://gateway.test",
		AdminChats:  []int64{100, 200},
		AdminEmail:  "ops@example.com",
		UnitTTL:     5 * time.Minute,
		ExecTimeout: 2 * time.Second,
		RetryDelay:  5 * time.Second,
	}, log)
	return &testEnv{engine: eng, mr: mr, st: st, tg: tg, email: email}
}

func (env *testEnv) waitStatus(t *testing.T, id, want string) map[string]string {
	t.Helper()
	var st map[string]string
	require.Eventually(t, func() bool {
		var err error
		st, err = env.engine.Status(context.Background(), id)
		return err == nil && st["status"] == want
	}, 2*time.Second, 10*time.Millisecond, "status never reached %s", want)
	return st
}

func TestDispatchCommandValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.DispatchCommand(context.Background(), CommandRequest{Service: "x"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = env.engine.DispatchCommand(context.Background(), CommandRequest{Action: "restart"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDispatchCommandExecutes(t *testing.T) {
	var gotAuth, gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotID = r.Header.Get("X-Command-Id")
		require.Equal(t, "/v1/commands/restart", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"restarted":true}`))
	}))
	defer srv.Close()

	env := newTestEnv(t, map[string]string{"trading-service": srv.URL})
	acc, err := env.engine.DispatchCommand(context.Background(), CommandRequest{
		Service: "trading-service",
		Action:  "restart",
		Args:    map[string]any{"mode": "soft"},
		Audit:   &AuditInfo{RequestedBy: "alice", TraceID: "tr-1"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, acc.Status)

	st := env.waitStatus(t, acc.CommandID, StatusCompleted)
	require.Equal(t, "trading-service", st["service"])
	require.Contains(t, gotAuth, "Bearer ")
	require.Equal(t, acc.CommandID, gotID)

	result, err := env.engine.Result(context.Background(), acc.CommandID)
	require.NoError(t, err)
	require.JSONEq(t, `{"restarted":true}`, result)
}

func TestDispatchCommandUnknownServiceFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t, map[string]string{})
	acc, err := env.engine.DispatchCommand(context.Background(), CommandRequest{
		Service: "ghost-service",
		Action:  "restart",
		Routing: &Routing{Fallback: []string{channel.Email}},
	})
	require.NoError(t, err)

	st := env.waitStatus(t, acc.CommandID, StatusFailed)
	require.Contains(t, st["error"], "not configured")

	// Configuration errors are not retryable even with a fallback set.
	require.False(t, env.mr.Exists(retryQueueKey))
}

func TestDispatchCommandServiceErrorSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	env := newTestEnv(t, map[string]string{"trading-service": srv.URL})
	acc, err := env.engine.DispatchCommand(context.Background(), CommandRequest{
		Service: "trading-service",
		Action:  "restart",
		Routing: &Routing{Fallback: []string{channel.Email}},
	})
	require.NoError(t, err)

	st := env.waitStatus(t, acc.CommandID, StatusFailed)
	require.Contains(t, st["error"], "service returned 500")

	require.Eventually(t, func() bool {
		return env.mr.Exists(retryQueueKey)
	}, 2*time.Second, 10*time.Millisecond)

	errMsg, err := env.engine.Error(context.Background(), acc.CommandID)
	require.NoError(t, err)
	require.Contains(t, errMsg, "service returned 500")
}

func TestSendMessageAutoSelectsTelegram(t *testing.T) {
	env := newTestEnv(t, nil)
	acc, err := env.engine.SendMessage(context.Background(), MessageRequest{
		Channel:     channel.Auto,
		TemplateKey: "deploy.finished",
		Data:        map[string]any{"subject": "Deploy", "body": "Release {{version}} is live", "version": "1.4.2"},
		To:          channel.Recipient{ChatID: 42},
	})
	require.NoError(t, err)
	require.Equal(t, channel.Telegram, acc.ChannelSelected)

	env.waitStatus(t, acc.MessageID, StatusSent)
	require.Equal(t, 1, env.tg.deliveries())
	msg := env.tg.lastMessage()
	require.Equal(t, "Deploy", msg.Subject)
	require.Equal(t, "Release 1.4.2 is live", msg.Text)
}

func TestSendMessageBroadcastGoesToOperators(t *testing.T) {
	env := newTestEnv(t, nil)
	acc, err := env.engine.SendMessage(context.Background(), MessageRequest{
		TemplateKey: "ops.alert",
		Data:        map[string]any{"body": "disk nearly full"},
	})
	require.NoError(t, err)
	require.Equal(t, channel.Telegram, acc.ChannelSelected)

	env.waitStatus(t, acc.MessageID, StatusSent)
	// One delivery per configured operator chat.
	require.Equal(t, 2, env.tg.deliveries())
}

func TestSendMessageNoRecipientNoOperators(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.opts.AdminChats = nil

	_, err := env.engine.SendMessage(context.Background(), MessageRequest{
		Channel:     channel.Auto,
		TemplateKey: "deploy.finished",
		Data:        map[string]any{"body": "hi"},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDeliverMessageFallsBackToEmail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.tg.setFail(true)

	acc, err := env.engine.SendMessage(context.Background(), MessageRequest{
		Channel:     channel.Telegram,
		TemplateKey: "alert.balance",
		Data:        map[string]any{"body": "balance low"},
		To:          channel.Recipient{ChatID: 42, Email: "user@example.com"},
		Routing:     &Routing{Fallback: []string{channel.Email}},
	})
	require.NoError(t, err)

	st := env.waitStatus(t, acc.MessageID, StatusSent)
	require.Equal(t, channel.Email, st["channel"])
	require.Equal(t, 1, env.email.deliveries())
	require.Equal(t, 0, env.tg.deliveries())
}

func TestDeliverMessageAllChannelsFail(t *testing.T) {
	env := newTestEnv(t, nil)
	env.tg.setFail(true)
	env.email.setFail(true)

	acc, err := env.engine.SendMessage(context.Background(), MessageRequest{
		Channel:     channel.Telegram,
		TemplateKey: "alert.balance",
		Data:        map[string]any{"body": "balance low"},
		To:          channel.Recipient{ChatID: 42, Email: "user@example.com"},
		Routing:     &Routing{Fallback: []string{channel.Email}},
	})
	require.NoError(t, err)

	st := env.waitStatus(t, acc.MessageID, StatusFailed)
	require.Contains(t, st["error"], "telegram")
	require.Contains(t, st["error"], "email")
}

func TestRetrySweepReExecutes(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t, map[string]string{"trading-service": srv.URL})
	env.engine.opts.RetryDelay = 10 * time.Millisecond

	acc, err := env.engine.DispatchCommand(context.Background(), CommandRequest{
		Service: "trading-service",
		Action:  "restart",
		Routing: &Routing{Fallback: []string{channel.Email}},
	})
	require.NoError(t, err)
	env.waitStatus(t, acc.CommandID, StatusFailed)

	require.Eventually(t, func() bool {
		return env.mr.Exists(retryQueueKey)
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	env.engine.sweepRetries(context.Background())

	env.waitStatus(t, acc.CommandID, StatusCompleted)
	require.False(t, env.mr.Exists(retryQueueKey))
}

func TestStatusReportsRemainingUnitTTL(t *testing.T) {
	env := newTestEnv(t, map[string]string{"trading-service": "http://unreachable.test"})

	acc, err := env.engine.DispatchCommand(context.Background(), CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
		Routing:             &Routing{TTLSeconds: 30},
	})
	require.NoError(t, err)

	st, err := env.engine.Status(context.Background(), acc.CommandID)
	require.NoError(t, err)
	n, err := strconv.Atoi(st["ttl_seconds"])
	require.NoError(t, err)
	require.Greater(t, n, 0)
	require.LessOrEqual(t, n, 30)

	// Once the unit is gone only the status hash remains, with no lifetime.
	env.mr.FastForward(31 * time.Second)
	st, err = env.engine.Status(context.Background(), acc.CommandID)
	require.NoError(t, err)
	require.NotContains(t, st, "ttl_seconds")
}

func TestSweepLeavesNotDueEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	env.engine.opts.RetryDelay = time.Hour
	env.engine.ScheduleRetry(context.Background(), "cmd_later")

	env.engine.sweepRetries(context.Background())
	require.True(t, env.mr.Exists(retryQueueKey), "entry not yet due must stay queued")
}
