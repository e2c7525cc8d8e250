// Package objectinfo holds per-entity metadata: the apiName of each entity,
// the three-character key prefix of its record ids and the default field
// values of a newly created record. It also generates and recognizes draft
// record ids.
package objectinfo

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/roach88/recordcache/internal/durablerecord"
	"github.com/roach88/recordcache/internal/ir"
)

// Draft id layout: <keyPrefix><draftMarker><suffix>.
const (
	PrefixLength  = 3
	draftMarker   = "DRAFT"
	suffixLength  = 10
	DraftIDLength = PrefixLength + len(draftMarker) + suffixLength
)

// Object is the metadata of one entity.
type Object struct {
	APIName   string
	KeyPrefix string
	Defaults  map[string]ir.Value
}

// Registry resolves apiNames and key prefixes in both directions.
type Registry struct {
	byName   map[string]*Object
	byPrefix map[string]*Object

	mu      sync.Mutex
	now     func() time.Time
	entropy io.Reader
}

// NewRegistry builds a registry from objects. apiNames and key prefixes must
// be unique and prefixes must be three characters.
func NewRegistry(objects ...Object) (*Registry, error) {
	r := &Registry{
		byName:   make(map[string]*Object, len(objects)),
		byPrefix: make(map[string]*Object, len(objects)),
		now:      time.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
	for i := range objects {
		obj := objects[i]
		if obj.APIName == "" {
			return nil, fmt.Errorf("object %d: apiName is required", i)
		}
		if len(obj.KeyPrefix) != PrefixLength {
			return nil, fmt.Errorf("object %s: key prefix %q must be %d characters", obj.APIName, obj.KeyPrefix, PrefixLength)
		}
		if _, dup := r.byName[obj.APIName]; dup {
			return nil, fmt.Errorf("object %s: duplicate apiName", obj.APIName)
		}
		if other, dup := r.byPrefix[obj.KeyPrefix]; dup {
			return nil, fmt.Errorf("object %s: key prefix %s already used by %s", obj.APIName, obj.KeyPrefix, other.APIName)
		}
		r.byName[obj.APIName] = &obj
		r.byPrefix[obj.KeyPrefix] = &obj
	}
	return r, nil
}

// PrefixFor returns the key prefix of apiName.
func (r *Registry) PrefixFor(apiName string) (string, bool) {
	obj, ok := r.byName[apiName]
	if !ok {
		return "", false
	}
	return obj.KeyPrefix, true
}

// APIName returns the apiName owning the key prefix of id. id may be a bare
// prefix or a full record id.
func (r *Registry) APIName(id string) (string, bool) {
	if len(id) < PrefixLength {
		return "", false
	}
	obj, ok := r.byPrefix[id[:PrefixLength]]
	if !ok {
		return "", false
	}
	return obj.APIName, true
}

// Defaults returns a copy of the default field values of apiName.
func (r *Registry) Defaults(apiName string) durablerecord.FieldDefaults {
	obj, ok := r.byName[apiName]
	if !ok || len(obj.Defaults) == 0 {
		return nil
	}
	out := make(durablerecord.FieldDefaults, len(obj.Defaults))
	for k, v := range obj.Defaults {
		out[k] = ir.Clone(v)
	}
	return out
}

// APINames returns the registered apiNames, sorted.
func (r *Registry) APINames() []string {
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NewDraftID returns a fresh draft id for apiName.
func (r *Registry) NewDraftID(apiName string) (string, error) {
	prefix, ok := r.PrefixFor(apiName)
	if !ok {
		return "", fmt.Errorf("new draft id: unknown apiName %q", apiName)
	}
	r.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(r.now()), r.entropy)
	r.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("new draft id: %w", err)
	}
	s := id.String()
	return prefix + draftMarker + s[len(s)-suffixLength:], nil
}

// hasDraftShape reports whether id has the draft id layout, whatever its
// prefix.
func hasDraftShape(id string) bool {
	return len(id) == DraftIDLength && id[PrefixLength:PrefixLength+len(draftMarker)] == draftMarker
}

// IsDraftID reports whether id is a draft id of a registered entity.
func (r *Registry) IsDraftID(id string) bool {
	if !hasDraftShape(id) {
		return false
	}
	_, ok := r.byPrefix[id[:PrefixLength]]
	return ok
}
