package dispatch

import (
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/transport"
)

// rewriteRequest returns req with every draft id that has a canonical
// mapping replaced by the canonical id, in the path and anywhere in the
// body. req is not modified.
func (e *Environment) rewriteRequest(req *transport.Request) (*transport.Request, error) {
	out := req.Clone()

	endpoint, ids := transport.ClassifyRecordRequest(req)
	switch endpoint {
	case transport.EndpointUpdate, transport.EndpointDelete, transport.EndpointGet:
		out.Path = transport.RecordPath(e.CanonicalID(ids[0]))
	case transport.EndpointGetBatch:
		mapped := make([]string, len(ids))
		for i, id := range ids {
			mapped[i] = e.CanonicalID(id)
		}
		out.Path = transport.BatchPath(mapped)
	}

	if len(out.Body) == 0 {
		return out, nil
	}
	body, err := ir.UnmarshalValue(out.Body)
	if err != nil {
		return nil, transport.BadRequest("malformed body: %v", err)
	}
	rewritten, changed := e.rewriteValue(body)
	if !changed {
		return out, nil
	}
	data, err := ir.MarshalValue(rewritten)
	if err != nil {
		return nil, transport.Internal(err)
	}
	out.Body = data
	return out, nil
}

func (e *Environment) rewriteValue(v ir.Value) (ir.Value, bool) {
	switch val := v.(type) {
	case ir.String:
		s := string(val)
		if !e.objects.IsDraftID(s) {
			return v, false
		}
		if canonical := e.CanonicalID(s); canonical != s {
			return ir.String(canonical), true
		}
		return v, false
	case ir.Object:
		changed := false
		out := make(ir.Object, len(val))
		for k, item := range val {
			nv, c := e.rewriteValue(item)
			out[k] = nv
			changed = changed || c
		}
		return out, changed
	case ir.Array:
		changed := false
		out := make(ir.Array, len(val))
		for i, item := range val {
			nv, c := e.rewriteValue(item)
			out[i] = nv
			changed = changed || c
		}
		return out, changed
	}
	return v, false
}
