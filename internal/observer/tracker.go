package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/signalgrid/intersection-agent/internal/model"
)

// Tracker keeps the latest LiveState available for request handlers and fans
// updates out to attached consumers (websocket sessions). It owns the
// restart policy for the observer stream: a terminated watch is logged and
// resubscribed after a short backoff instead of being swallowed.
type Tracker struct {
	observer *Observer
	logger   *slog.Logger
	backoff  time.Duration

	mu     sync.RWMutex
	latest model.LiveState
	ready  bool
	subs   map[int]chan model.LiveState
	nextID int
}

func NewTracker(obs *Observer, logger *slog.Logger) *Tracker {
	return &Tracker{
		observer: obs,
		logger:   logger,
		backoff:  time.Second,
		subs:     map[int]chan model.LiveState{},
	}
}

// Run consumes the observer until ctx ends, resubscribing whenever the
// stream terminates.
func (t *Tracker) Run(ctx context.Context) {
	for {
		states, err := t.observer.Watch(ctx)
		if err != nil {
			t.logger.Error("observer watch failed", "err", err)
		} else {
			for state := range states {
				t.publish(state)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(t.backoff):
			t.logger.Info("resubscribing observer stream")
		}
	}
}

func (t *Tracker) publish(state model.LiveState) {
	t.mu.Lock()
	t.latest = state
	t.ready = true
	for _, ch := range t.subs {
		select {
		case ch <- state:
		default:
			select { // conflate slow consumers to the latest value
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
	t.mu.Unlock()
}

// Current returns the most recent composite state, if any has been produced.
func (t *Tracker) Current() (model.LiveState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest, t.ready
}

// Attach registers a consumer channel. The returned release function must be
// called when the consumer goes away.
func (t *Tracker) Attach() (<-chan model.LiveState, func()) {
	ch := make(chan model.LiveState, 1)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	if t.ready {
		ch <- t.latest
	}
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
	return ch, release
}
