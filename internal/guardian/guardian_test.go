package guardian

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/intersection-agent/internal/clock"
	"github.com/signalgrid/intersection-agent/internal/model"
	"github.com/signalgrid/intersection-agent/internal/store"
)

const testID = "x1"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func connectionAt(t *testing.T, mem *store.Memory) model.ConnectionState {
	t.Helper()
	body, err := mem.Get(context.Background(), store.ConnectionESP(testID))
	require.NoError(t, err)
	return model.DecodeConnection(body)
}

func TestStaleConnectionIsMarkedOffline(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := int64(1_000_000)
	clk := clock.NewWithLocalClock(mem, discardLogger(), func() int64 { return now })

	require.NoError(t, mem.Set(ctx, store.ConnectionESP(testID), map[string]any{
		"online":     true,
		"lastSeenAt": now - 30_000,
		"info":       map[string]any{"espId": "esp-7"},
	}))

	g := New(mem, clk, testID, 20*time.Second, "agent", discardLogger())
	require.NoError(t, g.markOfflineIfStale(ctx, now))

	conn := connectionAt(t, mem)
	assert.False(t, conn.Online)
	assert.Equal(t, now, conn.StaleSince)
	assert.Equal(t, "agent", conn.ResetBy)
	// untouched device metadata survives the downgrade
	assert.Equal(t, "esp-7", conn.Info.EspID)
}

func TestFreshHeartbeatAtCommitAbortsDowngrade(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := int64(1_000_000)
	clk := clock.NewWithLocalClock(mem, discardLogger(), func() int64 { return now })

	// The trigger fired on a stale sample, but by commit time the device has
	// heartbeat again.
	require.NoError(t, mem.Set(ctx, store.ConnectionESP(testID), map[string]any{
		"online":     true,
		"lastSeenAt": now - 1000,
	}))

	g := New(mem, clk, testID, 20*time.Second, "agent", discardLogger())
	require.NoError(t, g.markOfflineIfStale(ctx, now))

	conn := connectionAt(t, mem)
	assert.True(t, conn.Online, "guardian must never downgrade a live connection")
	assert.Zero(t, conn.StaleSince)
}

func TestAlreadyOfflineConnectionIsLeftAlone(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	now := int64(1_000_000)
	clk := clock.NewWithLocalClock(mem, discardLogger(), func() int64 { return now })

	require.NoError(t, mem.Set(ctx, store.ConnectionESP(testID), map[string]any{
		"online":     false,
		"lastSeenAt": now - 60_000,
	}))

	g := New(mem, clk, testID, 20*time.Second, "agent", discardLogger())
	require.NoError(t, g.markOfflineIfStale(ctx, now))

	conn := connectionAt(t, mem)
	assert.False(t, conn.Online)
	assert.Zero(t, conn.StaleSince, "no transaction may touch an already-offline record")
}

func TestRunDowngradesStaleHeartbeatEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := store.NewMemory()
	now := int64(1_000_000)
	clk := clock.NewWithLocalClock(mem, discardLogger(), func() int64 { return now })

	require.NoError(t, mem.Set(ctx, store.ConnectionESP(testID), map[string]any{
		"online":     true,
		"lastSeenAt": now - 25_000,
	}))

	g := New(mem, clk, testID, 20*time.Second, "agent", discardLogger())
	g.sampleEvery = 5 * time.Millisecond
	go func() { _ = g.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for connectionAt(t, mem).Online {
		select {
		case <-deadline:
			t.Fatal("guardian never lowered the online flag")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
