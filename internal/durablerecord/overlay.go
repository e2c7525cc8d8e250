package durablerecord

import (
	"sort"

	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
)

// ChangeKind is the kind of a pending draft change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// PendingChange is the part of a queued draft action the overlay needs.
type PendingChange struct {
	ActionID string
	Kind     ChangeKind
	RecordID string
	APIName  string
	Fields   map[string]ir.Value
}

// FieldDefaults are the values seeded into a created record for fields the
// create did not set.
type FieldDefaults map[string]ir.Value

// ApplyDrafts recomputes the overlaid record for one tag. It starts from the
// canonical copy (base with any previous overlay stripped) and applies
// changes in queue order. With no changes the canonical copy is returned,
// which is nil for a record that only existed as a draft.
func ApplyDrafts(base *Representation, changes []PendingChange, defaults FieldDefaults) *Representation {
	rep := StripDrafts(base)
	if len(changes) == 0 {
		return rep
	}

	for _, c := range changes {
		if rep == nil {
			rep = &Representation{
				ID:      c.RecordID,
				APIName: c.APIName,
				Fields:  map[string]Field{},
				Links:   map[string]Link{},
			}
		}
		if rep.Drafts == nil {
			rep.Drafts = &Drafts{}
		}
		rep.Drafts.DraftActionIDs = append(rep.Drafts.DraftActionIDs, c.ActionID)

		switch c.Kind {
		case ChangeCreate:
			rep.Drafts.Created = true
			for _, name := range sortedNames(defaults) {
				if _, ok := rep.Fields[name]; !ok {
					setField(rep, name, defaults[name])
				}
			}
			for _, name := range sortedNames(c.Fields) {
				setField(rep, name, c.Fields[name])
			}
		case ChangeUpdate:
			rep.Drafts.Edited = true
			for _, name := range sortedNames(c.Fields) {
				rememberServerValue(rep, name)
				setField(rep, name, c.Fields[name])
			}
		case ChangeDelete:
			rep.Drafts.Deleted = true
		}
	}
	return rep
}

// rememberServerValue records the pre-edit state of name the first time an
// edit touches it. Created records have no server state to remember.
func rememberServerValue(rep *Representation, name string) {
	d := rep.Drafts
	if d.Created {
		return
	}
	if _, ok := d.ServerValues[name]; ok {
		return
	}
	for _, added := range d.AddedFields {
		if added == name {
			return
		}
	}
	if f, ok := rep.Fields[name]; ok {
		if d.ServerValues == nil {
			d.ServerValues = make(map[string]Field)
		}
		d.ServerValues[name] = f.Clone()
		return
	}
	d.AddedFields = append(d.AddedFields, name)
}

func setField(rep *Representation, name string, v ir.Value) {
	if v == nil {
		v = ir.Null{}
	}
	f := Field{Value: ir.Clone(v), DisplayValue: ir.Null{}}
	if ref := refValue(v, rep.Fields[name]); ref != "" {
		f = Field{Ref: ref, DisplayValue: ir.Null{}}
	}
	rep.Fields[name] = f
	if _, ok := rep.Links[name]; !ok || rep.Links[name].IsMissing {
		rep.Links[name] = Link{Ref: record.FieldKey(record.Key(rep.ID), name)}
	}
}

// refValue keeps a spanning field's nested reference only when the edit
// leaves the field pointing at the same record.
func refValue(v ir.Value, prev Field) string {
	if prev.Ref == "" {
		return ""
	}
	if s, ok := v.(ir.String); ok && record.Key(string(s)) == prev.Ref {
		return prev.Ref
	}
	return ""
}

// StripDrafts removes the overlay from rep, restoring the values edits
// replaced and dropping fields edits added. A record that only exists as a
// draft create strips to nil.
func StripDrafts(rep *Representation) *Representation {
	if rep == nil {
		return nil
	}
	out := rep.Clone()
	d := out.Drafts
	if d == nil {
		return out
	}
	if d.Created {
		return nil
	}
	for name, f := range d.ServerValues {
		out.Fields[name] = f.Clone()
		if _, ok := out.Links[name]; !ok {
			out.Links[name] = Link{Ref: record.FieldKey(record.Key(out.ID), name)}
		}
	}
	for _, name := range d.AddedFields {
		delete(out.Fields, name)
		delete(out.Links, name)
	}
	out.Drafts = nil
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
