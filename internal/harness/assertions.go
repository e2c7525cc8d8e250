package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/durablerecord"
	"github.com/roach88/recordcache/internal/graph"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	ID       string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s", e.Type)
	if e.ID != "" {
		fmt.Fprintf(&buf, " %s", e.ID)
	}
	fmt.Fprintf(&buf, ": expected %s, actual %s", e.Expected, e.Actual)
	return buf.String()
}

func (h *Harness) evaluate(ctx context.Context, a Assertion) error {
	if a.Type == AssertQueueLength {
		actions, err := h.env.Queue().GetQueueActions(ctx)
		if err != nil {
			return err
		}
		if len(actions) != *a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d actions", *a.Count),
				Actual:   fmt.Sprintf("%d actions", len(actions)),
			}
		}
		return nil
	}

	id, err := h.substitute(a.ID)
	if err != nil {
		return err
	}
	canonical := h.env.CanonicalID(id)

	var (
		values map[string]ir.Value
		found  bool
	)
	switch a.Type {
	case AssertMapped:
		mapped := canonical != id
		if mapped == a.Absent {
			return &AssertionError{
				Type:     a.Type,
				ID:       a.ID,
				Expected: map[bool]string{false: "a canonical id", true: "no canonical id"}[a.Absent],
				Actual:   canonical,
			}
		}
		return nil

	case AssertCachedRecord:
		snap := h.env.LookupRecord(canonical)
		if found = snap.State == graph.Fulfilled && snap.Data != nil; found {
			values = recordValues(snap.Data)
		}

	case AssertDurableRecord:
		key := record.Key(canonical)
		entries, err := h.store.GetEntries(ctx, []string{key}, durable.SegmentDefault)
		if err != nil {
			return err
		}
		if entry, ok := entries[key]; ok {
			var rep durablerecord.Representation
			if err := entry.Decode(&rep); err != nil {
				return fmt.Errorf("decode durable %s: %w", key, err)
			}
			found = true
			values = durableValues(&rep)
		}

	case AssertUpstreamRecord:
		var rep *record.Representation
		if rep, found = h.upstream.Record(canonical); found {
			values = recordValues(rep)
		}
	}

	switch {
	case a.Absent && found:
		return &AssertionError{Type: a.Type, ID: a.ID, Expected: "no record", Actual: "record present"}
	case a.Absent:
		return nil
	case !found:
		return &AssertionError{Type: a.Type, ID: a.ID, Expected: "a record", Actual: "none"}
	}
	if err := h.matchFields(a.Fields, values); err != nil {
		return &AssertionError{Type: a.Type, ID: a.ID, Expected: "matching fields", Actual: err.Error()}
	}
	return nil
}

// durableValues returns the field values of a durable record; spanning
// fields yield the nested record's id.
func durableValues(rep *durablerecord.Representation) map[string]ir.Value {
	out := make(map[string]ir.Value, len(rep.Fields))
	for name, f := range rep.Fields {
		if f.Ref != "" {
			if id, ok := record.IDFromKey(f.Ref); ok {
				out[name] = ir.String(id)
				continue
			}
		}
		if f.Value == nil {
			out[name] = ir.Null{}
			continue
		}
		out[name] = f.Value
	}
	return out
}
