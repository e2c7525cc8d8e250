package merge

import (
	"sync"

	"github.com/roach88/recordcache/internal/fieldtrie"
)

// ConflictEntry names a record whose merge left fields that must be fetched
// again, along with the paths to fetch.
type ConflictEntry struct {
	RecordID      string
	TrackedFields *fieldtrie.Node
}

// ConflictMap accumulates conflict entries during one ingest pass. Entries
// keep first-insertion order; adding a record id twice unions the tracked
// fields.
type ConflictMap struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*fieldtrie.Node
}

// NewConflictMap returns an empty map.
func NewConflictMap() *ConflictMap {
	return &ConflictMap{entries: make(map[string]*fieldtrie.Node)}
}

// Add records that id needs fields re-fetched.
func (m *ConflictMap) Add(id string, fields *fieldtrie.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*fieldtrie.Node)
	}
	prev, ok := m.entries[id]
	if !ok {
		m.order = append(m.order, id)
		m.entries[id] = fields.Clone()
		return
	}
	m.entries[id] = fieldtrie.Union(prev, fields)
}

// Len returns the number of records in the map.
func (m *ConflictMap) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Entries returns a copy of the entries in insertion order.
func (m *ConflictMap) Entries() []ConflictEntry {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConflictEntry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, ConflictEntry{RecordID: id, TrackedFields: m.entries[id].Clone()})
	}
	return out
}

// Get returns the tracked fields for id.
func (m *ConflictMap) Get(id string) (*fieldtrie.Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.entries[id]
	return t.Clone(), ok
}
