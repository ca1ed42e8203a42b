package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commgate/internal/channel"
)

func TestConfirmationFlowExecutesOnConfirm(t *testing.T) {
	var executed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		executed.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t, map[string]string{"trading-service": srv.URL})
	ctx := context.Background()

	acc, err := env.engine.DispatchCommand(ctx, CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusPendingConfirmation, acc.Status)
	require.Equal(t, int32(0), executed.Load(), "execution must wait for confirmation")

	// Prompt went to every configured operator chat.
	require.Equal(t, 2, env.tg.deliveries())
	prompt := env.tg.lastMessage()
	require.NotNil(t, prompt.Confirm)
	require.Equal(t, acc.CommandID, prompt.Confirm.ID)
	require.Contains(t, prompt.Confirm.URL, acc.CommandID)

	require.NoError(t, env.engine.Resolve(ctx, acc.CommandID, true))
	env.waitStatus(t, acc.CommandID, StatusCompleted)
	require.Equal(t, int32(1), executed.Load())
}

func TestConfirmationReject(t *testing.T) {
	env := newTestEnv(t, map[string]string{"trading-service": "http://unreachable.test"})
	ctx := context.Background()

	acc, err := env.engine.DispatchCommand(ctx, CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
	})
	require.NoError(t, err)

	require.NoError(t, env.engine.Resolve(ctx, acc.CommandID, false))
	st, err := env.engine.Status(ctx, acc.CommandID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, st["status"])
}

func TestConfirmationFirstDecisionWins(t *testing.T) {
	var executed atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		executed.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newTestEnv(t, map[string]string{"trading-service": srv.URL})
	ctx := context.Background()

	acc, err := env.engine.DispatchCommand(ctx, CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
	})
	require.NoError(t, err)

	// Race a confirm against a reject; exactly one side wins the claim.
	var wg sync.WaitGroup
	results := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = env.engine.Resolve(ctx, acc.CommandID, true) }()
	go func() { defer wg.Done(); results[1] = env.engine.Resolve(ctx, acc.CommandID, false) }()
	wg.Wait()

	var won, lost int
	for _, err := range results {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, ErrAlreadyResolved)
			lost++
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)
	require.LessOrEqual(t, executed.Load(), int32(1))
}

func TestConfirmationExpiredWindow(t *testing.T) {
	env := newTestEnv(t, map[string]string{"trading-service": "http://unreachable.test"})
	ctx := context.Background()

	acc, err := env.engine.DispatchCommand(ctx, CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
		Routing:             &Routing{TTLSeconds: 30},
	})
	require.NoError(t, err)

	env.mr.FastForward(29 * time.Second)
	// Still inside the window: a decision is accepted.
	require.NoError(t, env.engine.Resolve(ctx, acc.CommandID, false))

	acc2, err := env.engine.DispatchCommand(ctx, CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
		Routing:             &Routing{TTLSeconds: 30},
	})
	require.NoError(t, err)

	env.mr.FastForward(31 * time.Second)
	require.ErrorIs(t, env.engine.Resolve(ctx, acc2.CommandID, true), ErrNotFound)
}

func TestResolveByTokenMismatch(t *testing.T) {
	env := newTestEnv(t, map[string]string{"trading-service": "http://unreachable.test"})
	ctx := context.Background()

	acc, err := env.engine.DispatchCommand(ctx, CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
	})
	require.NoError(t, err)

	other, err := env.engine.DispatchCommand(ctx, CommandRequest{
		Service:             "trading-service",
		Action:              "close-all",
		RequireConfirmation: true,
	})
	require.NoError(t, err)

	// Extract the token minted for the other unit's magic link.
	prompt := env.tg.lastMessage()
	require.NotNil(t, prompt.Confirm)
	_, tok, found := strings.Cut(prompt.Confirm.URL, "&token=")
	require.True(t, found)

	err = env.engine.ResolveByToken(ctx, acc.CommandID, tok, true)
	require.ErrorIs(t, err, ErrValidation)

	// The matching unit accepts the same token.
	require.NoError(t, env.engine.ResolveByToken(ctx, other.CommandID, tok, false))
}

func TestResolveWithoutPendingConfirmation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	acc, err := env.engine.SendMessage(ctx, MessageRequest{
		Channel:     channel.Telegram,
		TemplateKey: "plain.note",
		Data:        map[string]any{"body": "hi"},
		To:          channel.Recipient{ChatID: 42},
	})
	require.NoError(t, err)

	err = env.engine.Resolve(ctx, acc.MessageID, true)
	require.ErrorIs(t, err, ErrValidation)
}
