// Package observer produces the continuously updated composite view of one
// intersection: latest reported snapshot, derived lamps and countdown, and
// the effective connection state.
package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/signalgrid/intersection-agent/internal/clock"
	"github.com/signalgrid/intersection-agent/internal/model"
	"github.com/signalgrid/intersection-agent/internal/store"
	"github.com/signalgrid/intersection-agent/internal/timing"
)

type Observer struct {
	store          store.Store
	clock          *clock.Synchronizer
	intersectionID string
	staleAfter     time.Duration
	tick           time.Duration
	logger         *slog.Logger
}

func New(st store.Store, clk *clock.Synchronizer, intersectionID string, staleAfter, tick time.Duration, logger *slog.Logger) *Observer {
	return &Observer{
		store:          st,
		clock:          clk,
		intersectionID: intersectionID,
		staleAfter:     staleAfter,
		tick:           tick,
		logger:         logger,
	}
}

// Watch streams deduplicated LiveState values until the context ends or one
// of the underlying store subscriptions terminates; either way the returned
// channel closes and the caller decides whether to watch again. Between
// store events the countdown advances from the local ticker alone - the
// store is never polled per tick.
func (o *Observer) Watch(ctx context.Context) (<-chan model.LiveState, error) {
	reportedCh, cancelReported, err := o.store.Subscribe(ctx, store.Reported(o.intersectionID))
	if err != nil {
		return nil, err
	}
	connCh, cancelConn, err := o.store.Subscribe(ctx, store.ConnectionESP(o.intersectionID))
	if err != nil {
		cancelReported()
		return nil, err
	}

	out := make(chan model.LiveState, 1)
	go func() {
		defer close(out)
		defer cancelReported()
		defer cancelConn()

		ticker := time.NewTicker(o.tick)
		defer ticker.Stop()

		// Defaults let the composite tick before either stream has emitted.
		reported := model.DecodeReported(nil)
		conn := model.ConnectionState{}
		var last model.LiveState
		emitted := false

		emit := func() {
			state := o.compose(reported, conn)
			if emitted && state == last {
				return
			}
			last = state
			emitted = true
			select {
			case out <- state:
			default:
				select { // conflate: replace the stale pending value
				case <-out:
				default:
				}
				select {
				case out <- state:
				case <-ctx.Done():
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case body, ok := <-reportedCh:
				if !ok {
					o.logger.Warn("reported stream terminated", "intersection", o.intersectionID)
					return
				}
				reported = model.DecodeReported(body)
				emit()
			case body, ok := <-connCh:
				if !ok {
					o.logger.Warn("connection stream terminated", "intersection", o.intersectionID)
					return
				}
				conn = model.DecodeConnection(body)
				emit()
			case <-ticker.C:
				emit()
			}
		}
	}()
	return out, nil
}

func (o *Observer) compose(reported model.Reported, conn model.ConnectionState) model.LiveState {
	serverNow := o.clock.ServerNow()
	timeLeft, total := timing.Remaining(reported, serverNow)

	var ack model.Ack
	if reported.Ack != nil {
		ack = *reported.Ack
	}

	return model.LiveState{
		Mode:       reported.Mode,
		Phase:      reported.Phase,
		ServerNow:  serverNow,
		TimeLeftMs: timeLeft,
		TotalMs:    total,
		Lights:     timing.DeriveLights(reported.Mode, reported.Phase, serverNow),
		Ack:        ack,
		Durations:  reported.Durations,
		Connection: conn,
		Online:     conn.EffectiveOnline(serverNow, o.staleAfter.Milliseconds()),
	}
}
