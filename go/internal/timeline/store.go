package timeline

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when nothing is stored at a path
var ErrNotFound = errors.New("timeline: path not found")

// Snapshot is the full value at a watched path after a change.
// Value is set by Watch (nil when absent), Children by WatchChildren.
type Snapshot struct {
	Path     string
	Value    []byte
	Children map[string][]byte
}

// Store is a path-addressed key/value store with push subscriptions.
// There are no transactions across paths and concurrent writers to the
// same path resolve last-write-wins.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, value []byte) error
	Delete(ctx context.Context, path string) error

	// Watch delivers the current value at path, then every change to it
	Watch(ctx context.Context, path string, fn func(Snapshot)) (stop func(), err error)
	// WatchChildren delivers the direct children of path, then the full set on every change under it
	WatchChildren(ctx context.Context, path string, fn func(Snapshot)) (stop func(), err error)
}

type memWatcher struct {
	id       int
	path     string
	children bool
	fn       func(Snapshot)
}

// MemoryStore is an in-process Store. Notifications are delivered on the
// writer's goroutine after the store lock is released.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[int]*memWatcher
	nextID   int
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string][]byte),
		watchers: make(map[int]*memWatcher),
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[path]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(v), nil
}

func (s *MemoryStore) Put(ctx context.Context, path string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.values[path] = clone(value)
	pending := s.pendingLocked(path)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if _, ok := s.values[path]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.values, path)
	pending := s.pendingLocked(path)
	s.mu.Unlock()

	deliver(pending)
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	return s.watch(ctx, path, false, fn)
}

func (s *MemoryStore) WatchChildren(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	return s.watch(ctx, path, true, fn)
}

func (s *MemoryStore) watch(ctx context.Context, path string, children bool, fn func(Snapshot)) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.nextID++
	w := &memWatcher{id: s.nextID, path: path, children: children, fn: fn}
	s.watchers[w.id] = w
	initial := s.snapshotLocked(w)
	s.mu.Unlock()

	fn(initial)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.watchers, w.id)
			s.mu.Unlock()
		})
	}
	context.AfterFunc(ctx, stop)
	return stop, nil
}

type pendingSnapshot struct {
	fn   func(Snapshot)
	snap Snapshot
}

// pendingLocked collects the snapshots owed to watchers affected by a change at path
func (s *MemoryStore) pendingLocked(path string) []pendingSnapshot {
	var out []pendingSnapshot
	for _, w := range s.watchers {
		if w.children {
			if _, ok := childName(w.path, path); !ok {
				continue
			}
		} else if w.path != path {
			continue
		}
		out = append(out, pendingSnapshot{fn: w.fn, snap: s.snapshotLocked(w)})
	}
	return out
}

func (s *MemoryStore) snapshotLocked(w *memWatcher) Snapshot {
	snap := Snapshot{Path: w.path}
	if !w.children {
		if v, ok := s.values[w.path]; ok {
			snap.Value = clone(v)
		}
		return snap
	}
	snap.Children = make(map[string][]byte)
	for p, v := range s.values {
		if name, ok := childName(w.path, p); ok {
			snap.Children[name] = clone(v)
		}
	}
	return snap
}

func deliver(pending []pendingSnapshot) {
	for _, p := range pending {
		p.fn(p.snap)
	}
}

// childName reports whether path is a direct child of parent and returns its last segment
func childName(parent, path string) (string, bool) {
	prefix := parent + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	name := path[len(prefix):]
	if name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
