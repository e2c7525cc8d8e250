package draft

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/recordcache/internal/durable"
)

// DefaultMappingRetention is how long a draft id mapping is kept.
const DefaultMappingRetention = 30 * 24 * time.Hour

const mappingKeyPrefix = "DraftIdMapping::"

// IDMapping links the store key of a draft record to the store key of the
// record the server created for it.
type IDMapping struct {
	DraftKey     string `json:"draftKey"`
	CanonicalKey string `json:"canonicalKey"`
	Expiration   int64  `json:"expiration"`
}

// MappingKey returns the durable key of a mapping.
func MappingKey(draftKey, canonicalKey string) string {
	return mappingKeyPrefix + draftKey + keySeparator + canonicalKey
}

// MappingStore persists draft id mappings in the DRAFT_ID_MAPPINGS segment.
type MappingStore struct {
	store     durable.Store
	clock     Clock
	retention time.Duration
	logger    *slog.Logger
}

// MappingOption configures a MappingStore.
type MappingOption func(*MappingStore)

// WithMappingClock sets the clock used for expirations.
func WithMappingClock(c Clock) MappingOption {
	return func(m *MappingStore) { m.clock = c }
}

// WithRetention sets how long mappings are kept.
func WithRetention(d time.Duration) MappingOption {
	return func(m *MappingStore) { m.retention = d }
}

// WithMappingLogger sets the logger.
func WithMappingLogger(l *slog.Logger) MappingOption {
	return func(m *MappingStore) { m.logger = l }
}

// NewMappingStore creates a mapping store over store.
func NewMappingStore(store durable.Store, opts ...MappingOption) *MappingStore {
	m := &MappingStore{
		store:     store,
		clock:     SystemClock{},
		retention: DefaultMappingRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Put records that draftKey now refers to canonicalKey.
func (m *MappingStore) Put(ctx context.Context, draftKey, canonicalKey string) (IDMapping, error) {
	mapping := IDMapping{
		DraftKey:     draftKey,
		CanonicalKey: canonicalKey,
		Expiration:   m.clock.Now().Add(m.retention).UnixMilli(),
	}
	entry, err := durable.NewEntry(mapping)
	if err != nil {
		return IDMapping{}, fmt.Errorf("put id mapping: %w", err)
	}
	entry.Expiration = mapping.Expiration
	key := MappingKey(draftKey, canonicalKey)
	if err := m.store.SetEntries(ctx, map[string]durable.Entry{key: entry}, durable.SegmentDraftIDMappings); err != nil {
		return IDMapping{}, fmt.Errorf("put id mapping: %w", err)
	}
	m.logger.Info("draft id mapped", "draft_key", draftKey, "canonical_key", canonicalKey)
	return mapping, nil
}

// LoadAll returns the live mappings ordered by draft key. Expired mappings
// are evicted.
func (m *MappingStore) LoadAll(ctx context.Context) ([]IDMapping, error) {
	entries, err := durable.LiveEntries(ctx, m.store, durable.SegmentDraftIDMappings, m.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("load id mappings: %w", err)
	}
	out := make([]IDMapping, 0, len(entries))
	for key, e := range entries {
		if !strings.HasPrefix(key, mappingKeyPrefix) {
			continue
		}
		var mapping IDMapping
		if err := e.Decode(&mapping); err != nil {
			return nil, fmt.Errorf("decode id mapping %s: %w", key, err)
		}
		out = append(out, mapping)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DraftKey < out[j].DraftKey })
	return out, nil
}

// Lookup returns the canonical key mapped from draftKey.
func (m *MappingStore) Lookup(ctx context.Context, draftKey string) (string, bool, error) {
	all, err := m.LoadAll(ctx)
	if err != nil {
		return "", false, err
	}
	for _, mapping := range all {
		if mapping.DraftKey == draftKey {
			return mapping.CanonicalKey, true, nil
		}
	}
	return "", false, nil
}
