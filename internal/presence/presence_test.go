package presence

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/intersection-agent/internal/store"
)

func appRecord(t *testing.T, mem *store.Memory) map[string]any {
	t.Helper()
	body, err := mem.Get(context.Background(), store.ConnectionApp("x1"))
	require.NoError(t, err)
	doc := map[string]any{}
	if body != nil {
		require.NoError(t, json.Unmarshal(body, &doc))
	}
	return doc
}

func TestHeartbeatWritesImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem := store.NewMemory()

	h := New(mem, "x1", "agent-7", time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	go func() { _ = h.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		doc := appRecord(t, mem)
		if doc["online"] == true {
			assert.Equal(t, "agent-7", doc["clientId"])
			assert.NotNil(t, doc["lastSeenAt"])
			return
		}
		select {
		case <-deadline:
			t.Fatal("heartbeat never written")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestGoodbyeLowersOnline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mem := store.NewMemory()

	h := New(mem, "x1", "agent-7", time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for appRecord(t, mem)["online"] != true {
		select {
		case <-deadline:
			t.Fatal("heartbeat never written")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not exit")
	}

	doc := appRecord(t, mem)
	assert.Equal(t, false, doc["online"])
	assert.Equal(t, "agent-7", doc["clientId"])
}
