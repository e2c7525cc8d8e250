// Package durablerecord converts between the normalized record graph and the
// flat records kept in the durable store, and composes draft overlays onto
// those flat records.
package durablerecord

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/recordcache/internal/ir"
)

// Representation is the persisted form of one record. Fields holds values
// inline; Links keeps the field-node keys so the graph form can be rebuilt.
// A spanning field stores the nested record's key in Field.Ref; the nested
// record is persisted under that key.
type Representation struct {
	ID       string           `json:"id"`
	APIName  string           `json:"apiName"`
	WeakEtag int64            `json:"weakEtag"`
	ETag     string           `json:"eTag,omitempty"`
	Fields   map[string]Field `json:"fields"`
	Links    map[string]Link  `json:"links"`
	Drafts   *Drafts          `json:"drafts,omitempty"`
}

// Link is the persisted form of a field link.
type Link struct {
	Ref       string `json:"__ref,omitempty"`
	IsMissing bool   `json:"isMissing,omitempty"`
}

// Field is a flattened field value.
type Field struct {
	Value        ir.Value
	DisplayValue ir.Value
	Ref          string
}

// Drafts is the overlay block. ServerValues holds pre-edit values so an
// evicted edit can be undone; AddedFields lists fields that only exist
// because of an edit.
type Drafts struct {
	Created        bool             `json:"created"`
	Edited         bool             `json:"edited"`
	Deleted        bool             `json:"deleted"`
	ServerValues   map[string]Field `json:"serverValues,omitempty"`
	AddedFields    []string         `json:"addedFields,omitempty"`
	DraftActionIDs []string         `json:"draftActionIds,omitempty"`
}

type fieldJSON struct {
	Value        json.RawMessage `json:"value"`
	DisplayValue json.RawMessage `json:"displayValue"`
	Ref          string          `json:"__ref,omitempty"`
}

// MarshalJSON implements json.Marshaler for Field.
func (f Field) MarshalJSON() ([]byte, error) {
	value, err := ir.MarshalValue(f.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	display, err := ir.MarshalValue(f.DisplayValue)
	if err != nil {
		return nil, fmt.Errorf("displayValue: %w", err)
	}
	return json.Marshal(fieldJSON{Value: value, DisplayValue: display, Ref: f.Ref})
}

// UnmarshalJSON implements json.Unmarshaler for Field.
func (f *Field) UnmarshalJSON(data []byte) error {
	var raw fieldJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Field{Ref: raw.Ref}
	if len(raw.Value) > 0 {
		v, err := ir.UnmarshalValue(raw.Value)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		f.Value = v
	}
	if len(raw.DisplayValue) > 0 {
		v, err := ir.UnmarshalValue(raw.DisplayValue)
		if err != nil {
			return fmt.Errorf("displayValue: %w", err)
		}
		f.DisplayValue = v
	}
	return nil
}

// Clone returns a deep copy of the field.
func (f Field) Clone() Field {
	return Field{Value: ir.Clone(f.Value), DisplayValue: ir.Clone(f.DisplayValue), Ref: f.Ref}
}

// Clone returns a deep copy of the drafts block.
func (d *Drafts) Clone() *Drafts {
	if d == nil {
		return nil
	}
	out := *d
	if d.ServerValues != nil {
		out.ServerValues = make(map[string]Field, len(d.ServerValues))
		for k, v := range d.ServerValues {
			out.ServerValues[k] = v.Clone()
		}
	}
	out.AddedFields = append([]string(nil), d.AddedFields...)
	out.DraftActionIDs = append([]string(nil), d.DraftActionIDs...)
	return &out
}

// Clone returns a deep copy of the representation.
func (r *Representation) Clone() *Representation {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = make(map[string]Field, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v.Clone()
	}
	out.Links = make(map[string]Link, len(r.Links))
	for k, v := range r.Links {
		out.Links[k] = v
	}
	out.Drafts = r.Drafts.Clone()
	return &out
}
