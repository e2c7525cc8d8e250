package durable

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryStore keeps entries in maps. It loses everything on restart and
// exists for tests and scenario runs.
type MemoryStore struct {
	mu       sync.RWMutex
	segments map[Segment]map[string]Entry
	closed   bool
	listeners
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	s := &MemoryStore{segments: make(map[Segment]map[string]Entry)}
	s.logger = logger
	return s
}

// GetEntries returns the entries present for keys. Absent keys are omitted.
func (s *MemoryStore) GetEntries(_ context.Context, keys []string, segment Segment) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]Entry, len(keys))
	seg := s.segments[segment]
	for _, k := range keys {
		if e, ok := seg[k]; ok {
			out[k] = cloneEntry(e)
		}
	}
	return out, nil
}

// GetAllEntries returns every entry in segment.
func (s *MemoryStore) GetAllEntries(_ context.Context, segment Segment) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]Entry, len(s.segments[segment]))
	for k, e := range s.segments[segment] {
		out[k] = cloneEntry(e)
	}
	return out, nil
}

// SetEntries writes entries, replacing existing ones.
func (s *MemoryStore) SetEntries(ctx context.Context, entries map[string]Entry, segment Segment) error {
	return s.BatchOperations(ctx, []Operation{{Type: OpSetEntries, Segment: segment, Entries: entries}})
}

// EvictEntries removes keys.
func (s *MemoryStore) EvictEntries(ctx context.Context, keys []string, segment Segment) error {
	return s.BatchOperations(ctx, []Operation{{Type: OpEvictEntries, Segment: segment, Keys: keys}})
}

// BatchOperations applies ops atomically with respect to other callers.
func (s *MemoryStore) BatchOperations(ctx context.Context, ops []Operation) error {
	if err := validateOps(ops); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	for _, op := range ops {
		seg := s.segments[op.Segment]
		if seg == nil {
			seg = make(map[string]Entry)
			s.segments[op.Segment] = seg
		}
		switch op.Type {
		case OpSetEntries:
			for k, e := range op.Entries {
				seg[k] = cloneEntry(e)
			}
		case OpEvictEntries:
			for _, k := range op.Keys {
				delete(seg, k)
			}
		}
	}
	s.mu.Unlock()

	s.notify(ctx, changesFor(ops))
	return nil
}

// RegisterOnChangedListener adds fn to the listeners.
func (s *MemoryStore) RegisterOnChangedListener(fn Listener) func() {
	return s.register(fn)
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneEntry(e Entry) Entry {
	return Entry{Data: append([]byte(nil), e.Data...), Expiration: e.Expiration}
}
