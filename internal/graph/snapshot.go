package graph

import (
	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
)

// SnapshotState reports whether a read found everything it asked for.
type SnapshotState string

const (
	// Fulfilled means every requested required field was present.
	Fulfilled SnapshotState = "Fulfilled"
	// Unfulfilled means the record or at least one required field is absent
	// or pending.
	Unfulfilled SnapshotState = "Unfulfilled"
)

// Snapshot is the result of reading a record from the graph.
type Snapshot struct {
	State SnapshotState
	Data  *record.Representation
	// Missing lists qualified paths that made the read unfulfilled.
	Missing []string
}

// Reader is the read side of a graph.
type Reader interface {
	Lookup(key string) (record.Node, bool)
}

// ReadRecord denormalizes the record at key from r. When fields is nil every
// field is read (spanning fields up to fieldtrie.DefaultMaxDepth). Optional
// paths that are absent do not make the read unfulfilled.
func ReadRecord(r Reader, key string, fields *fieldtrie.Node) Snapshot {
	if fields == nil {
		fields = fieldtrie.FromRecord(r, key, fieldtrie.DefaultMaxDepth)
		if fields == nil {
			return Snapshot{State: Unfulfilled}
		}
	}
	snap := Snapshot{State: Fulfilled}
	rep := readRecord(r, key, fields, fields.Name, &snap, map[string]bool{})
	if rep == nil {
		return Snapshot{State: Unfulfilled, Missing: snap.Missing}
	}
	snap.Data = rep
	return snap
}

func readRecord(r Reader, key string, want *fieldtrie.Node, prefix string, snap *Snapshot, onPath map[string]bool) *record.Representation {
	n, ok := r.Lookup(key)
	if !ok {
		snap.State = Unfulfilled
		snap.Missing = append(snap.Missing, prefix)
		return nil
	}
	rec, ok := n.(*record.RecordNode)
	if !ok {
		snap.State = Unfulfilled
		snap.Missing = append(snap.Missing, prefix)
		return nil
	}
	onPath[key] = true
	defer delete(onPath, key)

	rep := &record.Representation{
		ID:       rec.ID,
		APIName:  rec.APIName,
		WeakEtag: rec.WeakEtag,
		ETag:     rec.ETag,
		Fields:   make(map[string]record.FieldValue, len(want.Children)),
		Drafts:   rec.Drafts.Clone(),
	}
	for name, child := range want.Children {
		path := prefix + "." + name
		link, ok := rec.Fields[name]
		if !ok || link.Pending || (!link.IsMissing && link.Ref == "") {
			if !child.Optional {
				snap.State = Unfulfilled
				snap.Missing = append(snap.Missing, path)
			}
			continue
		}
		if link.IsMissing {
			continue
		}
		fn, ok := r.Lookup(link.Ref)
		field, isField := fn.(*record.FieldNode)
		if !ok || !isField {
			if !child.Optional {
				snap.State = Unfulfilled
				snap.Missing = append(snap.Missing, path)
			}
			continue
		}
		fv := record.FieldValue{Value: ir.Clone(field.Value), DisplayValue: ir.Clone(field.DisplayValue)}
		if field.RecordRef != "" {
			fv.Value = nil
			if onPath[field.RecordRef] {
				fv.Value = ir.String(idOf(field.RecordRef))
			} else {
				nested := child
				if len(nested.Children) == 0 {
					nested = fieldtrie.FromRecord(r, field.RecordRef, 1)
				}
				if nested != nil {
					if sub := readRecord(r, field.RecordRef, nested, path, snap, onPath); sub != nil {
						fv.Record = sub
					}
				}
				if fv.Record == nil && fv.Value == nil {
					fv.Value = ir.String(idOf(field.RecordRef))
				}
			}
		}
		rep.Fields[name] = fv
	}
	return rep
}

func idOf(key string) string {
	if id, ok := record.IDFromKey(key); ok {
		return id
	}
	return key
}
