// Package graph holds the in-memory normalized record graph.
//
// Records and their fields are stored as separate nodes keyed by store key
// (see package record). Draft record keys may be redirected to canonical keys
// once the server assigns an id. Writers accumulate changed keys; Broadcast
// flushes them to subscribers.
package graph

import (
	"context"
	"sort"
	"sync"

	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/record"
)

// Store is the graph contract used by the merge, ingest and dispatch layers.
type Store interface {
	Lookup(key string) (record.Node, bool)
	Put(key string, node record.Node)
	Evict(key string)
	CanonicalKey(key string) string
	Redirect(from, to string)
	Broadcast(ctx context.Context)
}

// Listener receives the keys changed since the previous broadcast.
type Listener func(ctx context.Context, changed []string)

// maxRedirectHops guards against redirect cycles.
const maxRedirectHops = 16

// Memory is a thread-safe Store backed by maps.
type Memory struct {
	mu        sync.RWMutex
	nodes     map[string]record.Node
	redirects map[string]string
	changed   map[string]struct{}

	subMu  sync.Mutex
	subs   map[int]Listener
	nextID int
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty graph.
func NewMemory() *Memory {
	return &Memory{
		nodes:     make(map[string]record.Node),
		redirects: make(map[string]string),
		changed:   make(map[string]struct{}),
		subs:      make(map[int]Listener),
	}
}

// Lookup returns the node at key after following redirects.
func (m *Memory) Lookup(key string) (record.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[m.canonicalLocked(key)]
	return n, ok
}

// Put stores node under key (after redirects) and marks it changed.
func (m *Memory) Put(key string, node record.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = m.canonicalLocked(key)
	m.nodes[key] = node
	m.changed[key] = struct{}{}
}

// Evict removes key and, for a record key, every field node of that record.
func (m *Memory) Evict(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = m.canonicalLocked(key)
	if rec, ok := m.nodes[key].(*record.RecordNode); ok {
		for _, link := range rec.Fields {
			if link.Ref != "" {
				delete(m.nodes, link.Ref)
			}
		}
	}
	delete(m.nodes, key)
	m.changed[key] = struct{}{}
}

// CanonicalKey follows redirects from key.
func (m *Memory) CanonicalKey(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.canonicalLocked(key)
}

func (m *Memory) canonicalLocked(key string) string {
	for i := 0; i < maxRedirectHops; i++ {
		next, ok := m.redirects[key]
		if !ok || next == key {
			return key
		}
		key = next
	}
	return key
}

// Redirect makes lookups of from resolve to to. Both keys are marked changed
// so readers of the draft key re-read.
func (m *Memory) Redirect(from, to string) {
	if from == to {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redirects[from] = to
	m.changed[from] = struct{}{}
	m.changed[to] = struct{}{}
}

// Subscribe registers fn for broadcasts and returns a function that removes it.
func (m *Memory) Subscribe(fn Listener) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

// Broadcast delivers the changed keys (sorted) to subscribers and resets the
// changed set. No call is made when nothing changed.
func (m *Memory) Broadcast(ctx context.Context) {
	m.mu.Lock()
	if len(m.changed) == 0 {
		m.mu.Unlock()
		return
	}
	changed := make([]string, 0, len(m.changed))
	for k := range m.changed {
		changed = append(changed, k)
	}
	m.changed = make(map[string]struct{})
	m.mu.Unlock()
	sort.Strings(changed)

	m.subMu.Lock()
	ids := make([]int, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, m.subs[id])
	}
	m.subMu.Unlock()

	for _, fn := range listeners {
		fn(ctx, changed)
	}
}

// Keys returns every stored key in sorted order.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.nodes))
	for k := range m.nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LookupRecord reads the record at key as a snapshot. See ReadRecord.
func (m *Memory) LookupRecord(key string, fields *fieldtrie.Node) Snapshot {
	return ReadRecord(m, key, fields)
}
