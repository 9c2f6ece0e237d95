// Package store abstracts the shared real-time document store that the
// client and the embedded controller synchronize through. Documents live in
// a tree addressed by slash-separated paths; listeners receive the full
// document at their path on every committed write underneath it.
package store

import "context"

// ServerTimestamp is a sentinel write value resolved to the store's own
// wall-clock (epoch milliseconds) at commit time. Use it instead of the
// local clock for every persisted timestamp.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

// CancelFunc releases a subscription. Safe to call more than once.
type CancelFunc func()

// Child is one entry of a list-shaped document (the append-only log).
type Child struct {
	ID   string
	Body []byte
}

// TxFunc receives the committed document at transaction time and returns the
// replacement value. Returning commit=false aborts without modification.
// The function may run more than once and must not touch the store itself.
type TxFunc func(current []byte) (next any, commit bool)

// Store is the observable document store contract. Get returns nil bytes for
// an absent document. Update merges fields into the document at path; keys
// may contain slashes to address nested children, and a nil value deletes
// the addressed child. Push appends a new child with a store-generated,
// chronologically ordered id.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Transact(ctx context.Context, path string, fn TxFunc) (committed bool, err error)
	Push(ctx context.Context, path string, value any) (id string, err error)

	// Subscribe delivers the current document immediately, then again after
	// every committed write that touches path or anything below it. Slow
	// consumers are conflated to the latest value; delivery order follows
	// write order.
	Subscribe(ctx context.Context, path string) (<-chan []byte, CancelFunc, error)

	// SubscribeWindow is Subscribe for list-shaped documents: each delivery
	// carries the last limit children in the store's native (push id) order.
	SubscribeWindow(ctx context.Context, path string, limit int) (<-chan []Child, CancelFunc, error)

	// ServerTimeOffset streams the estimated difference between the store's
	// clock and the local clock, in milliseconds.
	ServerTimeOffset(ctx context.Context) (<-chan int64, CancelFunc, error)
}
