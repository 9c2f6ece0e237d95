package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store implementation. It backs the sqlite store's
// live tree and the test suites. A single mutex serializes every commit,
// which is what gives Transact its check-at-commit guarantee: the TxFunc
// always sees the value the commit will replace.
type Memory struct {
	mu      sync.Mutex
	root    map[string]any
	nextID  int
	valSubs map[int]*valueSub
	winSubs map[int]*windowSub
	offSubs map[int]*offsetSub
	offset  int64
	pushSeq int64
	now     func() int64
}

func NewMemory() *Memory {
	return NewMemoryWithClock(func() int64 { return time.Now().UnixMilli() })
}

// NewMemoryWithClock injects the wall clock used to resolve ServerTimestamp
// sentinels and to order push ids.
func NewMemoryWithClock(now func() int64) *Memory {
	return &Memory{
		root:    map[string]any{},
		valSubs: map[int]*valueSub{},
		winSubs: map[int]*windowSub{},
		offSubs: map[int]*offsetSub{},
		now:     now,
	}
}

type valueSub struct {
	path    []string
	notify  chan struct{}
	done    chan struct{}
	out     chan []byte
	closing sync.Once
}

type windowSub struct {
	path    []string
	limit   int
	notify  chan struct{}
	done    chan struct{}
	out     chan []Child
	closing sync.Once
}

type offsetSub struct {
	notify  chan struct{}
	done    chan struct{}
	out     chan int64
	closing sync.Once
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs
}

func isPrefix(prefix, path []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if prefix[i] != path[i] {
			return false
		}
	}
	return true
}

// related reports whether a write at wrote is visible to a listener at sub:
// either the write happened inside the listener's subtree or above it.
func related(sub, wrote []string) bool {
	return isPrefix(sub, wrote) || isPrefix(wrote, sub)
}

func encodeNode(node any) []byte {
	if node == nil {
		return nil
	}
	body, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return body
}

// normalize converts an arbitrary write value into the generic tree form,
// resolving ServerTimestamp sentinels and dropping null children.
func normalize(value any, now int64) any {
	switch v := value.(type) {
	case serverTimestamp:
		return now
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			if child == nil {
				continue
			}
			out[key] = normalize(child, now)
		}
		return out
	case nil:
		return nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var generic any
		if err := json.Unmarshal(body, &generic); err != nil {
			return nil
		}
		return generic
	}
}

func (m *Memory) getNode(segs []string) any {
	var node any = m.root
	for _, seg := range segs {
		child, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = child[seg]
	}
	return node
}

func (m *Memory) setNode(segs []string, value any) {
	if len(segs) == 0 {
		if next, ok := value.(map[string]any); ok {
			m.root = next
		} else {
			m.root = map[string]any{}
		}
		return
	}
	parent := m.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := parent[seg].(map[string]any)
		if !ok {
			if value == nil {
				return
			}
			child = map[string]any{}
			parent[seg] = child
		}
		parent = child
	}
	leaf := segs[len(segs)-1]
	if value == nil {
		delete(parent, leaf)
		return
	}
	parent[leaf] = value
}

// notifyTouched wakes every subscriber whose subtree intersects the write.
// Sends are non-blocking: a pending wakeup already covers the new commit.
func (m *Memory) notifyTouched(wrote []string) {
	for _, sub := range m.valSubs {
		if related(sub.path, wrote) {
			select {
			case sub.notify <- struct{}{}:
			default:
			}
		}
	}
	for _, sub := range m.winSubs {
		if related(sub.path, wrote) {
			select {
			case sub.notify <- struct{}{}:
			default:
			}
		}
	}
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return encodeNode(m.getNode(splitPath(path))), nil
}

func (m *Memory) Set(_ context.Context, path string, value any) error {
	segs := splitPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setNode(segs, normalize(value, m.now()))
	m.notifyTouched(segs)
	return nil
}

func (m *Memory) Update(_ context.Context, path string, fields map[string]any) error {
	segs := splitPath(path)
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, value := range fields {
		target := append(append([]string{}, segs...), splitPath(key)...)
		if value == nil {
			m.setNode(target, nil)
			continue
		}
		m.setNode(target, normalize(value, now))
	}
	m.notifyTouched(segs)
	return nil
}

func (m *Memory) Transact(_ context.Context, path string, fn TxFunc) (bool, error) {
	segs := splitPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	current := encodeNode(m.getNode(segs))
	next, commit := fn(current)
	if !commit {
		return false, nil
	}
	m.setNode(segs, normalize(next, m.now()))
	m.notifyTouched(segs)
	return true, nil
}

func (m *Memory) Push(_ context.Context, path string, value any) (string, error) {
	segs := splitPath(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushSeq++
	id := fmt.Sprintf("%013d-%06d", m.now(), m.pushSeq)
	target := append(append([]string{}, segs...), id)
	m.setNode(target, normalize(value, m.now()))
	m.notifyTouched(segs)
	return id, nil
}

func (m *Memory) Subscribe(ctx context.Context, path string) (<-chan []byte, CancelFunc, error) {
	sub := &valueSub{
		path:   splitPath(path),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan []byte),
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.valSubs[id] = sub
	m.mu.Unlock()

	cancel := func() {
		sub.closing.Do(func() { close(sub.done) })
		m.mu.Lock()
		delete(m.valSubs, id)
		m.mu.Unlock()
	}
	watchContext(ctx, sub.done, cancel)

	sub.notify <- struct{}{} // retained initial delivery
	go func() {
		defer close(sub.out)
		for {
			select {
			case <-sub.done:
				return
			case <-sub.notify:
				m.mu.Lock()
				body := encodeNode(m.getNode(sub.path))
				m.mu.Unlock()
				select {
				case sub.out <- body:
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub.out, cancel, nil
}

func (m *Memory) SubscribeWindow(ctx context.Context, path string, limit int) (<-chan []Child, CancelFunc, error) {
	sub := &windowSub{
		path:   splitPath(path),
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan []Child),
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.winSubs[id] = sub
	m.mu.Unlock()

	cancel := func() {
		sub.closing.Do(func() { close(sub.done) })
		m.mu.Lock()
		delete(m.winSubs, id)
		m.mu.Unlock()
	}
	watchContext(ctx, sub.done, cancel)

	sub.notify <- struct{}{}
	go func() {
		defer close(sub.out)
		for {
			select {
			case <-sub.done:
				return
			case <-sub.notify:
				m.mu.Lock()
				window := m.window(sub.path, sub.limit)
				m.mu.Unlock()
				select {
				case sub.out <- window:
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub.out, cancel, nil
}

func (m *Memory) window(segs []string, limit int) []Child {
	children, ok := m.getNode(segs).(map[string]any)
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]Child, 0, len(ids))
	for _, id := range ids {
		out = append(out, Child{ID: id, Body: encodeNode(children[id])})
	}
	return out
}

func (m *Memory) ServerTimeOffset(ctx context.Context) (<-chan int64, CancelFunc, error) {
	sub := &offsetSub{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan int64),
	}
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.offSubs[id] = sub
	m.mu.Unlock()

	cancel := func() {
		sub.closing.Do(func() { close(sub.done) })
		m.mu.Lock()
		delete(m.offSubs, id)
		m.mu.Unlock()
	}
	watchContext(ctx, sub.done, cancel)

	sub.notify <- struct{}{}
	go func() {
		defer close(sub.out)
		for {
			select {
			case <-sub.done:
				return
			case <-sub.notify:
				m.mu.Lock()
				offset := m.offset
				m.mu.Unlock()
				select {
				case sub.out <- offset:
				case <-sub.done:
					return
				}
			}
		}
	}()
	return sub.out, cancel, nil
}

// SetServerTimeOffset feeds the clock-sync oracle. The real-time backend
// pushes this; tests and the local sqlite store call it directly.
func (m *Memory) SetServerTimeOffset(offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if offset == m.offset {
		return
	}
	m.offset = offset
	for _, sub := range m.offSubs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// ExportRoot snapshots the whole tree as JSON for persistence.
func (m *Memory) ExportRoot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, err := json.Marshal(m.root)
	if err != nil {
		return []byte("{}")
	}
	return body
}

// LoadRoot replaces the whole tree from a persisted snapshot and wakes every
// subscriber.
func (m *Memory) LoadRoot(body []byte) error {
	root := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &root); err != nil {
			return fmt.Errorf("decode store snapshot: %w", err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = root
	m.notifyTouched(nil)
	return nil
}

func watchContext(ctx context.Context, done <-chan struct{}, cancel CancelFunc) {
	if ctx == nil || ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
}
