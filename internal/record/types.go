package record

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/roach88/recordcache/internal/ir"
)

// Representation is a full (non-normalized) record as returned by the
// upstream API or synthesized from a draft.
type Representation struct {
	ID       string                `json:"id"`
	APIName  string                `json:"apiName"`
	WeakEtag int64                 `json:"weakEtag"`
	ETag     string                `json:"eTag,omitempty"`
	Fields   map[string]FieldValue `json:"fields"`
	Drafts   *Drafts               `json:"drafts,omitempty"`
}

// FieldValue is one field of a record. Spanning fields (lookups to another
// record) carry the nested record in Record and leave Value nil.
type FieldValue struct {
	Value        ir.Value
	DisplayValue ir.Value
	Record       *Representation
}

// Drafts describes the pending local mutations overlaid on a record.
type Drafts struct {
	Created        bool                  `json:"created"`
	Edited         bool                  `json:"edited"`
	Deleted        bool                  `json:"deleted"`
	ServerValues   map[string]FieldValue `json:"serverValues,omitempty"`
	AddedFields    []string              `json:"addedFields,omitempty"`
	DraftActionIDs []string              `json:"draftActionIds,omitempty"`
}

// Clone returns a deep copy of the drafts block.
func (d *Drafts) Clone() *Drafts {
	if d == nil {
		return nil
	}
	out := *d
	if d.ServerValues != nil {
		out.ServerValues = make(map[string]FieldValue, len(d.ServerValues))
		for k, v := range d.ServerValues {
			out.ServerValues[k] = v.Clone()
		}
	}
	out.AddedFields = append([]string(nil), d.AddedFields...)
	out.DraftActionIDs = append([]string(nil), d.DraftActionIDs...)
	return &out
}

// Clone returns a deep copy of the field value.
func (f FieldValue) Clone() FieldValue {
	out := FieldValue{
		Value:        ir.Clone(f.Value),
		DisplayValue: ir.Clone(f.DisplayValue),
	}
	if f.Record != nil {
		out.Record = f.Record.Clone()
	}
	return out
}

// Clone returns a deep copy of the representation.
func (r *Representation) Clone() *Representation {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = make(map[string]FieldValue, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v.Clone()
	}
	out.Drafts = r.Drafts.Clone()
	return &out
}

// Key returns the store key of the representation.
func (r *Representation) Key() string {
	return Key(r.ID)
}

// ScalarValues returns the field values of the record, excluding spanning
// fields, as an ir.Object. Used to compute the content eTag.
func (r *Representation) ScalarValues() ir.Object {
	out := make(ir.Object, len(r.Fields))
	for name, f := range r.Fields {
		if f.Record != nil {
			out[name] = ir.String(f.Record.ID)
			continue
		}
		if f.Value == nil {
			out[name] = ir.Null{}
			continue
		}
		out[name] = f.Value
	}
	return out
}

// fieldValueJSON is the wire shape of FieldValue.
type fieldValueJSON struct {
	DisplayValue json.RawMessage `json:"displayValue"`
	Value        json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler for FieldValue.
func (f FieldValue) MarshalJSON() ([]byte, error) {
	display, err := ir.MarshalValue(f.DisplayValue)
	if err != nil {
		return nil, fmt.Errorf("displayValue: %w", err)
	}

	var value []byte
	if f.Record != nil {
		value, err = json.Marshal(f.Record)
	} else {
		value, err = ir.MarshalValue(f.Value)
	}
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}

	return json.Marshal(fieldValueJSON{DisplayValue: display, Value: value})
}

// UnmarshalJSON implements json.Unmarshaler for FieldValue. An object value
// carrying both apiName and fields is decoded as a nested record.
func (f *FieldValue) UnmarshalJSON(data []byte) error {
	var raw fieldValueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = FieldValue{}
	if len(raw.DisplayValue) > 0 {
		v, err := ir.UnmarshalValue(raw.DisplayValue)
		if err != nil {
			return fmt.Errorf("displayValue: %w", err)
		}
		f.DisplayValue = v
	}
	if len(raw.Value) == 0 {
		return nil
	}

	if isNestedRecord(raw.Value) {
		var rep Representation
		if err := json.Unmarshal(raw.Value, &rep); err != nil {
			return fmt.Errorf("nested record: %w", err)
		}
		f.Record = &rep
		return nil
	}

	v, err := ir.UnmarshalValue(raw.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	f.Value = v
	return nil
}

func isNestedRecord(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	var shape struct {
		APIName *string         `json:"apiName"`
		Fields  json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(data, &shape); err != nil {
		return false
	}
	return shape.APIName != nil && len(shape.Fields) > 0
}

// Scalar builds a FieldValue with a value and no display value.
func Scalar(v ir.Value) FieldValue {
	return FieldValue{Value: v, DisplayValue: ir.Null{}}
}

// Spanning builds a FieldValue pointing at a nested record.
func Spanning(rep *Representation) FieldValue {
	return FieldValue{Record: rep, DisplayValue: ir.Null{}}
}
