package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"commgate/internal/eventbus"
	"commgate/internal/store"
)

func TestDrainBusMirrorsSignalsToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.NewWithClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	received := make(chan string, 16)
	go func() {
		_ = st.Subscribe(ctx, lifecycleChannel, func(msg string) {
			received <- msg
		})
	}()

	bus := eventbus.New()
	go drainBus(ctx, bus, st, slog.New(slog.DiscardHandler))

	// Publish until the round trip lands; both the pub/sub subscription and
	// the drain goroutine attach asynchronously.
	var got string
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: "dispatch.queued", Data: map[string]string{"id": "cmd_1"}})
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	require.Contains(t, got, `"type":"dispatch.queued"`)
	require.Contains(t, got, "cmd_1")
}
