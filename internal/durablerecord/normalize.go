package durablerecord

import (
	"fmt"

	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
)

// Reader is the read side of the record graph.
type Reader interface {
	Lookup(key string) (record.Node, bool)
}

// Denormalize flattens the record at key, and every record reachable through
// spanning fields up to maxDepth hops, into persisted representations keyed
// by store key. Pending fields and fields whose node is missing from the
// graph are dropped. Fields the server confirmed absent keep an isMissing
// link.
func Denormalize(r Reader, key string, maxDepth int) (map[string]*Representation, error) {
	if maxDepth <= 0 {
		maxDepth = fieldtrie.DefaultMaxDepth
	}
	out := make(map[string]*Representation)
	if err := denormalizeInto(r, key, 0, maxDepth, out); err != nil {
		return nil, err
	}
	return out, nil
}

func denormalizeInto(r Reader, key string, depth, maxDepth int, out map[string]*Representation) error {
	if _, done := out[key]; done {
		return nil
	}
	n, ok := r.Lookup(key)
	if !ok {
		return fmt.Errorf("denormalize %s: record not in graph", key)
	}
	rec, ok := n.(*record.RecordNode)
	if !ok {
		return fmt.Errorf("denormalize %s: not a record node", key)
	}

	rep := &Representation{
		ID:       rec.ID,
		APIName:  rec.APIName,
		WeakEtag: rec.WeakEtag,
		ETag:     rec.ETag,
		Fields:   make(map[string]Field, len(rec.Fields)),
		Links:    make(map[string]Link, len(rec.Fields)),
		Drafts:   fromRecordDrafts(rec.Drafts),
	}
	out[key] = rep

	var nested []string
	for name, link := range rec.Fields {
		switch {
		case link.Pending:
			continue
		case link.IsMissing:
			rep.Links[name] = Link{IsMissing: true}
			continue
		case link.Ref == "":
			continue
		}
		fn, ok := r.Lookup(link.Ref)
		if !ok {
			continue
		}
		field, ok := fn.(*record.FieldNode)
		if !ok {
			continue
		}
		rep.Links[name] = Link{Ref: link.Ref}
		f := Field{Value: ir.Clone(field.Value), DisplayValue: ir.Clone(field.DisplayValue)}
		if field.RecordRef != "" {
			f.Value = nil
			f.Ref = field.RecordRef
			if depth+1 < maxDepth {
				nested = append(nested, field.RecordRef)
			}
		}
		rep.Fields[name] = f
	}

	for _, nk := range nested {
		if _, ok := r.Lookup(nk); !ok {
			continue
		}
		if err := denormalizeInto(r, nk, depth+1, maxDepth, out); err != nil {
			return err
		}
	}
	return nil
}

// Normalize expands a persisted representation back into graph nodes: the
// record node under key plus one field node per field under its stored link
// key.
func Normalize(key string, rep *Representation) map[string]record.Node {
	nodes := make(map[string]record.Node, len(rep.Fields)+1)
	node := &record.RecordNode{
		ID:       rep.ID,
		APIName:  rep.APIName,
		WeakEtag: rep.WeakEtag,
		ETag:     rep.ETag,
		Fields:   make(map[string]record.FieldLink, len(rep.Fields)),
		Drafts:   toRecordDrafts(rep.Drafts),
	}
	nodes[key] = node

	for name, link := range rep.Links {
		if link.IsMissing {
			node.Fields[name] = record.FieldLink{IsMissing: true}
		}
	}
	for name, f := range rep.Fields {
		ref := rep.Links[name].Ref
		if ref == "" {
			ref = record.FieldKey(key, name)
		}
		node.Fields[name] = record.FieldLink{Ref: ref}
		fn := &record.FieldNode{Value: ir.Clone(f.Value), DisplayValue: ir.Clone(f.DisplayValue)}
		if f.Ref != "" {
			fn.Value = nil
			fn.RecordRef = f.Ref
		}
		nodes[ref] = fn
	}
	return nodes
}

// ToRecord builds a record representation for a synthetic response. lookup
// resolves nested records by key. When fields is non-empty only the named
// top-level fields are kept; names may be qualified ("Account.Name").
func ToRecord(rep *Representation, lookup func(key string) (*Representation, bool), fields []string) *record.Representation {
	return toRecord(rep, lookup, topLevel(rep.APIName, fields), map[string]bool{})
}

func toRecord(rep *Representation, lookup func(string) (*Representation, bool), want map[string]bool, onPath map[string]bool) *record.Representation {
	key := record.Key(rep.ID)
	onPath[key] = true
	defer delete(onPath, key)

	out := &record.Representation{
		ID:       rep.ID,
		APIName:  rep.APIName,
		WeakEtag: rep.WeakEtag,
		ETag:     rep.ETag,
		Fields:   make(map[string]record.FieldValue, len(rep.Fields)),
		Drafts:   toRecordDrafts(rep.Drafts),
	}
	for name, f := range rep.Fields {
		if len(want) > 0 && !want[name] {
			continue
		}
		fv := record.FieldValue{Value: ir.Clone(f.Value), DisplayValue: ir.Clone(f.DisplayValue)}
		if fv.DisplayValue == nil {
			fv.DisplayValue = ir.Null{}
		}
		if f.Ref != "" {
			fv.Value = nil
			if nested, ok := lookupNested(lookup, f.Ref); ok && !onPath[f.Ref] {
				fv.Record = toRecord(nested, lookup, nil, onPath)
			} else if id, ok := record.IDFromKey(f.Ref); ok {
				fv.Value = ir.String(id)
			}
		}
		if fv.Value == nil && fv.Record == nil {
			fv.Value = ir.Null{}
		}
		out.Fields[name] = fv
	}
	// An overlaid record no longer matches the server's content hash.
	if out.ETag == "" || rep.Drafts != nil {
		out.ETag = ir.MustETag(out.ScalarValues())
	}
	return out
}

func lookupNested(lookup func(string) (*Representation, bool), key string) (*Representation, bool) {
	if lookup == nil {
		return nil, false
	}
	return lookup(key)
}

// topLevel maps requested field paths to the top-level field names of the
// record they address.
func topLevel(apiName string, fields []string) map[string]bool {
	if len(fields) == 0 {
		return nil
	}
	want := make(map[string]bool, len(fields))
	t := fieldtrie.FromPaths(apiName, fields...)
	for name := range t.Children {
		want[name] = true
	}
	return want
}

func fromRecordDrafts(d *record.Drafts) *Drafts {
	if d == nil {
		return nil
	}
	out := &Drafts{
		Created:        d.Created,
		Edited:         d.Edited,
		Deleted:        d.Deleted,
		AddedFields:    append([]string(nil), d.AddedFields...),
		DraftActionIDs: append([]string(nil), d.DraftActionIDs...),
	}
	if d.ServerValues != nil {
		out.ServerValues = make(map[string]Field, len(d.ServerValues))
		for k, v := range d.ServerValues {
			out.ServerValues[k] = Field{Value: ir.Clone(v.Value), DisplayValue: ir.Clone(v.DisplayValue)}
		}
	}
	return out
}

func toRecordDrafts(d *Drafts) *record.Drafts {
	if d == nil {
		return nil
	}
	out := &record.Drafts{
		Created:        d.Created,
		Edited:         d.Edited,
		Deleted:        d.Deleted,
		AddedFields:    append([]string(nil), d.AddedFields...),
		DraftActionIDs: append([]string(nil), d.DraftActionIDs...),
	}
	if d.ServerValues != nil {
		out.ServerValues = make(map[string]record.FieldValue, len(d.ServerValues))
		for k, v := range d.ServerValues {
			out.ServerValues[k] = record.FieldValue{Value: ir.Clone(v.Value), DisplayValue: ir.Clone(v.DisplayValue)}
		}
	}
	return out
}
