// Package presence announces the agent's own liveness on its connection
// record, the mirror of the controller's heartbeat.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/signalgrid/intersection-agent/internal/store"
)

type Heartbeater struct {
	store          store.Store
	intersectionID string
	clientID       string
	every          time.Duration
	logger         *slog.Logger
}

func New(st store.Store, intersectionID, clientID string, every time.Duration, logger *slog.Logger) *Heartbeater {
	return &Heartbeater{
		store:          st,
		intersectionID: intersectionID,
		clientID:       clientID,
		every:          every,
		logger:         logger,
	}
}

// Run writes the app connection record immediately and then on every
// interval, and lowers the online flag on the way out.
func (h *Heartbeater) Run(ctx context.Context) error {
	if err := h.beat(ctx, true); err != nil {
		return err
	}

	ticker := time.NewTicker(h.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// Best-effort goodbye; the parent context is already gone.
			downCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := h.beat(downCtx, false); err != nil {
				h.logger.Warn("presence goodbye failed", "err", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := h.beat(ctx, true); err != nil {
				h.logger.Warn("presence heartbeat failed", "err", err)
			}
		}
	}
}

func (h *Heartbeater) beat(ctx context.Context, online bool) error {
	return h.store.Update(ctx, store.ConnectionApp(h.intersectionID), map[string]any{
		"online":     online,
		"lastSeenAt": store.ServerTimestamp,
		"clientId":   h.clientID,
	})
}
