// Package clock maintains the client's estimate of the store's server time.
package clock

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/signalgrid/intersection-agent/internal/store"
)

// Synchronizer combines the store's pushed clock offset with the local clock:
// ServerNow() = local + offset. Until the first offset arrives the offset is
// zero, which treats the local clock as server time; the estimate refines
// itself as soon as the oracle pushes.
type Synchronizer struct {
	store    store.Store
	logger   *slog.Logger
	offset   atomic.Int64
	localNow func() int64
}

func New(st store.Store, logger *slog.Logger) *Synchronizer {
	return NewWithLocalClock(st, logger, func() int64 { return time.Now().UnixMilli() })
}

// NewWithLocalClock injects the local clock source for deterministic tests.
func NewWithLocalClock(st store.Store, logger *slog.Logger, localNow func() int64) *Synchronizer {
	return &Synchronizer{store: st, logger: logger, localNow: localNow}
}

// Run consumes the store's offset stream until the context ends. The stream
// closing early is surfaced to the caller, who may resubscribe by calling
// Run again.
func (s *Synchronizer) Run(ctx context.Context) error {
	offsets, cancel, err := s.store.ServerTimeOffset(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case offset, ok := <-offsets:
			if !ok {
				return nil
			}
			previous := s.offset.Swap(offset)
			if previous != offset {
				s.logger.Debug("server time offset updated", "offset_ms", offset)
			}
		}
	}
}

// Offset returns the latest pushed drift estimate in milliseconds.
func (s *Synchronizer) Offset() int64 {
	return s.offset.Load()
}

// ServerNow returns the current server-time estimate in epoch milliseconds.
func (s *Synchronizer) ServerNow() int64 {
	return s.localNow() + s.offset.Load()
}

// Ticks emits ServerNow every period, skipping emissions whose value equals
// the previous one. The channel closes when ctx ends. Slow consumers are
// conflated to the latest tick.
func (s *Synchronizer) Ticks(ctx context.Context, period time.Duration) <-chan int64 {
	out := make(chan int64, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		var last int64 = -1
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := s.ServerNow()
				if now == last {
					continue
				}
				last = now
				select {
				case out <- now:
				default:
					select { // drop the stale pending tick
					case <-out:
					default:
					}
					select {
					case out <- now:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}
