// Package logs projects the append-only audit log into display-ready
// entries, most recent first.
package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/signalgrid/intersection-agent/internal/model"
	"github.com/signalgrid/intersection-agent/internal/store"
)

type Reader struct {
	store          store.Store
	intersectionID string
	limit          int
	logger         *slog.Logger
}

func New(st store.Store, intersectionID string, limit int, logger *slog.Logger) *Reader {
	return &Reader{store: st, intersectionID: intersectionID, limit: limit, logger: logger}
}

// Watch streams the projected log window on every change. Entries are
// re-sorted by effective timestamp client-side: the store delivers them in
// push-id order, which can diverge from timestamp order when the controller
// and the client append concurrently.
func (r *Reader) Watch(ctx context.Context) (<-chan []model.LogEntry, error) {
	windows, cancel, err := r.store.SubscribeWindow(ctx, store.Logs(r.intersectionID), r.limit)
	if err != nil {
		return nil, err
	}

	out := make(chan []model.LogEntry, 1)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case window, ok := <-windows:
				if !ok {
					r.logger.Warn("log stream terminated", "intersection", r.intersectionID)
					return
				}
				entries := project(window)
				select {
				case out <- entries:
				default:
					select { // conflate to the newest window
					case <-out:
					default:
					}
					select {
					case out <- entries:
					case <-ctx.Done():
					}
				}
			}
		}
	}()
	return out, nil
}

// Snapshot reads the current window once, for request/response consumers.
func (r *Reader) Snapshot(ctx context.Context) ([]model.LogEntry, error) {
	body, err := r.store.Get(ctx, store.Logs(r.intersectionID))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return []model.LogEntry{}, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	children := make([]store.Child, 0, len(raw))
	for id, entry := range raw {
		children = append(children, store.Child{ID: id, Body: entry})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ID < children[j].ID })
	if r.limit > 0 && len(children) > r.limit {
		children = children[len(children)-r.limit:]
	}
	return project(children), nil
}

func project(window []store.Child) []model.LogEntry {
	entries := make([]model.LogEntry, 0, len(window))
	for _, child := range window {
		entries = append(entries, model.DecodeLogEntry(child.ID, child.Body))
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Ts > entries[j].Ts })
	return entries
}
