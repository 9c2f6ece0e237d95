// Package guardian watches the controller heartbeat and self-heals a stale
// online flag.
package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/signalgrid/intersection-agent/internal/clock"
	"github.com/signalgrid/intersection-agent/internal/model"
	"github.com/signalgrid/intersection-agent/internal/store"
)

// Guardian lowers a connection's online flag once its heartbeat goes stale.
// It only ever writes online=false, and only through a transaction that
// re-checks staleness at commit time, so a device that came back between the
// trigger sample and the commit is never downgraded. Raising the flag is the
// device's job alone.
type Guardian struct {
	store          store.Store
	clock          *clock.Synchronizer
	intersectionID string
	staleAfter     time.Duration
	sampleEvery    time.Duration
	resetBy        string
	logger         *slog.Logger
}

func New(st store.Store, clk *clock.Synchronizer, intersectionID string, staleAfter time.Duration, resetBy string, logger *slog.Logger) *Guardian {
	return &Guardian{
		store:          st,
		clock:          clk,
		intersectionID: intersectionID,
		staleAfter:     staleAfter,
		sampleEvery:    time.Second,
		resetBy:        resetBy,
		logger:         logger,
	}
}

// Run samples (raw connection, serverNow) until the context ends. Trigger
// emissions deduplicate on the (online, stale) pair so an already-handled
// condition does not retry the transaction every tick.
func (g *Guardian) Run(ctx context.Context) error {
	connCh, cancelConn, err := g.store.Subscribe(ctx, store.ConnectionESP(g.intersectionID))
	if err != nil {
		return err
	}
	defer cancelConn()

	ticks := g.clock.Ticks(ctx, g.sampleEvery)

	var conn model.ConnectionState
	type triggerKey struct{ online, stale bool }
	lastKey := triggerKey{}
	haveKey := false

	evaluate := func(now int64) {
		stale := now-conn.LastSeenAt >= g.staleAfter.Milliseconds()
		key := triggerKey{online: conn.Online, stale: stale}
		if haveKey && key == lastKey {
			return
		}
		lastKey = key
		haveKey = true
		if !conn.Online || !stale {
			return
		}
		if err := g.markOfflineIfStale(ctx, now); err != nil {
			g.logger.Error("stale mark-offline failed", "intersection", g.intersectionID, "err", err)
			haveKey = false // retry on the next sample
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case body, ok := <-connCh:
			if !ok {
				return fmt.Errorf("connection stream terminated")
			}
			conn = model.DecodeConnection(body)
			evaluate(g.clock.ServerNow())
		case now, ok := <-ticks:
			if !ok {
				return ctx.Err()
			}
			evaluate(now)
		}
	}
}

// markOfflineIfStale re-reads the connection inside the transaction and
// lowers the flag only if the staleness predicate still holds at commit.
func (g *Guardian) markOfflineIfStale(ctx context.Context, serverNow int64) error {
	staleMs := g.staleAfter.Milliseconds()
	committed, err := g.store.Transact(ctx, store.ConnectionESP(g.intersectionID), func(current []byte) (any, bool) {
		conn := model.DecodeConnection(current)
		if !conn.Online || serverNow-conn.LastSeenAt < staleMs {
			return nil, false // fresh heartbeat won the race; leave it alone
		}
		doc := map[string]any{}
		if len(current) > 0 {
			_ = json.Unmarshal(current, &doc)
		}
		doc["online"] = false
		doc["staleSince"] = serverNow
		doc["resetBy"] = g.resetBy
		return doc, true
	})
	if err != nil {
		return err
	}
	if committed {
		g.logger.Warn("stale connection marked offline",
			"intersection", g.intersectionID, "stale_since", serverNow)
	}
	return nil
}
