package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fixedClock(ms int64) func() int64 {
	return func() int64 { return ms }
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		panic("unreachable")
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "traffic/intersections/x1/reported", map[string]any{
		"mode":  "night",
		"phase": "A_GREEN",
	}))

	body, err := m.Get(ctx, "traffic/intersections/x1/reported/mode")
	require.NoError(t, err)
	require.JSONEq(t, `"night"`, string(body))

	absent, err := m.Get(ctx, "traffic/intersections/x1/desired")
	require.NoError(t, err)
	require.Nil(t, absent)
}

func TestUpdateMergesNestedKeysAndDeletesNil(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "root/doc", map[string]any{
		"mode": "peak",
		"peak": map[string]any{"greenA_s": 10},
	}))
	require.NoError(t, m.Update(ctx, "root/doc", map[string]any{
		"mode":         "default",
		"peak":         nil,
		"meta/version": 3,
	}))

	body, err := m.Get(ctx, "root/doc")
	require.NoError(t, err)
	require.JSONEq(t, `{"mode":"default","meta":{"version":3}}`, string(body))
}

func TestServerTimestampResolvesAtCommit(t *testing.T) {
	m := NewMemoryWithClock(fixedClock(1_700_000))
	ctx := context.Background()

	require.NoError(t, m.Update(ctx, "doc", map[string]any{
		"meta": map[string]any{"requestedAt": ServerTimestamp},
	}))

	body, err := m.Get(ctx, "doc/meta/requestedAt")
	require.NoError(t, err)
	require.Equal(t, "1700000", string(body))
}

func TestSubscribeDeliversRetainedThenUpdates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "doc", map[string]any{"v": 1}))

	ch, cancel, err := m.Subscribe(ctx, "doc")
	require.NoError(t, err)
	defer cancel()

	require.JSONEq(t, `{"v":1}`, string(recv(t, ch)))

	require.NoError(t, m.Set(ctx, "doc", map[string]any{"v": 2}))
	require.JSONEq(t, `{"v":2}`, string(recv(t, ch)))
}

func TestSubscribeSeesWritesBelowAndAbove(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(ctx, "a/b")
	require.NoError(t, err)
	defer cancel()
	require.Nil(t, recv(t, ch)) // retained absent value

	// write below the listener path
	require.NoError(t, m.Set(ctx, "a/b/c", 7))
	require.JSONEq(t, `{"c":7}`, string(recv(t, ch)))

	// write above the listener path replaces the subtree
	require.NoError(t, m.Set(ctx, "a", map[string]any{"b": map[string]any{"c": 8}}))
	require.JSONEq(t, `{"c":8}`, string(recv(t, ch)))
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	m := NewMemory()
	ch, cancel, err := m.Subscribe(context.Background(), "doc")
	require.NoError(t, err)
	recv(t, ch)
	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestTransactSeesCommitTimeValue(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "conn", map[string]any{"online": true, "lastSeenAt": 100}))

	committed, err := m.Transact(ctx, "conn", func(current []byte) (any, bool) {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(current, &doc))
		require.Equal(t, true, doc["online"])
		doc["online"] = false
		return doc, true
	})
	require.NoError(t, err)
	require.True(t, committed)

	body, err := m.Get(ctx, "conn/online")
	require.NoError(t, err)
	require.Equal(t, "false", string(body))
}

func TestTransactAbortLeavesDocumentUntouched(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "conn", map[string]any{"online": true}))

	committed, err := m.Transact(ctx, "conn", func([]byte) (any, bool) { return nil, false })
	require.NoError(t, err)
	require.False(t, committed)

	body, err := m.Get(ctx, "conn")
	require.NoError(t, err)
	require.JSONEq(t, `{"online":true}`, string(body))
}

func TestPushIDsAreChronologicallyOrdered(t *testing.T) {
	ts := int64(1000)
	m := NewMemoryWithClock(func() int64 { ts++; return ts })
	ctx := context.Background()

	first, err := m.Push(ctx, "logs", map[string]any{"n": 1})
	require.NoError(t, err)
	second, err := m.Push(ctx, "logs", map[string]any{"n": 2})
	require.NoError(t, err)
	require.Less(t, first, second)
}

func TestSubscribeWindowLimitsAndOrders(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := m.Push(ctx, "logs", map[string]any{"n": i})
		require.NoError(t, err)
	}

	ch, cancel, err := m.SubscribeWindow(ctx, "logs", 3)
	require.NoError(t, err)
	defer cancel()

	window := recv(t, ch)
	require.Len(t, window, 3)
	require.JSONEq(t, `{"n":3}`, string(window[0].Body))
	require.JSONEq(t, `{"n":5}`, string(window[2].Body))
}

func TestServerTimeOffsetStream(t *testing.T) {
	m := NewMemory()
	ch, cancel, err := m.ServerTimeOffset(context.Background())
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, int64(0), recv(t, ch))
	m.SetServerTimeOffset(2500)
	require.Equal(t, int64(2500), recv(t, ch))
}
