// Package durable provides the persistence layer that survives restarts.
//
// Entries are JSON documents keyed by store key and grouped into segments:
//   - DEFAULT: denormalized records
//   - DRAFT_ACTIONS: queued mutations
//   - DRAFT_ID_MAPPINGS: draft id to canonical id redirects
//
// Three backends implement Store: SQLite (mattn/go-sqlite3 or the pure-Go
// modernc.org/sqlite driver), Redis, and an in-process map used by tests.
// Every backend notifies registered listeners after a successful write.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Segment groups entries.
type Segment string

const (
	SegmentDefault         Segment = "DEFAULT"
	SegmentDraftActions    Segment = "DRAFT_ACTIONS"
	SegmentDraftIDMappings Segment = "DRAFT_ID_MAPPINGS"
)

// Entry is one persisted document. Expiration is a unix-millisecond
// timestamp; zero means the entry never expires.
type Entry struct {
	Data       json.RawMessage `json:"data"`
	Expiration int64           `json:"expiration,omitempty"`
}

// NewEntry marshals v into an entry.
func NewEntry(v any) (Entry, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Data: data}, nil
}

// Expired reports whether the entry has expired at now.
func (e Entry) Expired(now time.Time) bool {
	return e.Expiration != 0 && now.UnixMilli() >= e.Expiration
}

// Decode unmarshals the entry data into v.
func (e Entry) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// OperationType names a batch operation.
type OperationType string

const (
	OpSetEntries   OperationType = "setEntries"
	OpEvictEntries OperationType = "evictEntries"
)

// Operation is one step of BatchOperations. Set operations use Entries,
// evict operations use Keys.
type Operation struct {
	Type    OperationType
	Segment Segment
	Entries map[string]Entry
	Keys    []string
}

// Change describes a completed write, delivered to listeners.
type Change struct {
	Type    OperationType
	Segment Segment
	Keys    []string
}

// Listener observes changes. Errors are logged and do not fail the write.
type Listener func(ctx context.Context, changes []Change) error

// Store is the durable store contract.
type Store interface {
	GetEntries(ctx context.Context, keys []string, segment Segment) (map[string]Entry, error)
	GetAllEntries(ctx context.Context, segment Segment) (map[string]Entry, error)
	SetEntries(ctx context.Context, entries map[string]Entry, segment Segment) error
	EvictEntries(ctx context.Context, keys []string, segment Segment) error
	BatchOperations(ctx context.Context, ops []Operation) error
	RegisterOnChangedListener(fn Listener) (unregister func())
	Close() error
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("durable: store closed")

// listeners is the change-notification registry shared by the backends.
type listeners struct {
	mu     sync.Mutex
	fns    map[int]Listener
	nextID int
	logger *slog.Logger
}

func (l *listeners) register(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]Listener)
	}
	id := l.nextID
	l.nextID++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

// notify calls every listener in registration order.
func (l *listeners) notify(ctx context.Context, changes []Change) {
	if len(changes) == 0 {
		return
	}
	l.mu.Lock()
	ids := make([]int, 0, len(l.fns))
	for id := range l.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.fns[id])
	}
	logger := l.logger
	l.mu.Unlock()

	if logger == nil {
		logger = slog.Default()
	}
	for _, fn := range fns {
		if err := fn(ctx, changes); err != nil {
			logger.Warn("durable change listener failed", "error", err)
		}
	}
}

// changesFor summarizes ops as listener changes.
func changesFor(ops []Operation) []Change {
	out := make([]Change, 0, len(ops))
	for _, op := range ops {
		c := Change{Type: op.Type, Segment: op.Segment}
		switch op.Type {
		case OpSetEntries:
			c.Keys = sortedKeys(op.Entries)
		case OpEvictEntries:
			c.Keys = append([]string(nil), op.Keys...)
		}
		if len(c.Keys) > 0 {
			out = append(out, c)
		}
	}
	return out
}

func sortedKeys(m map[string]Entry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validateOps(ops []Operation) error {
	for _, op := range ops {
		switch op.Type {
		case OpSetEntries, OpEvictEntries:
		default:
			return fmt.Errorf("batch operations: unknown operation %q", op.Type)
		}
		if op.Segment == "" {
			return fmt.Errorf("batch operations: %s without segment", op.Type)
		}
	}
	return nil
}
