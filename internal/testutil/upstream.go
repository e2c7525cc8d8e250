package testutil

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/transport"
)

// ErrOffline is returned by FakeUpstream while it is offline. It carries no
// status, so callers treat it as a connectivity failure.
var ErrOffline = errors.New("fake upstream: connection refused")

// Hook runs before FakeUpstream handles a request.
type Hook func(ctx context.Context, req *transport.Request)

// FakeUpstream is an in-memory record API implementing transport.Handler.
// It serves create, update, delete, get and batch get on the record paths,
// assigning ids from per-apiName key prefixes.
type FakeUpstream struct {
	mu       sync.Mutex
	records  map[string]*record.Representation
	prefixes map[string]string
	seq      int
	offline  bool
	failures []error
	requests []*transport.Request
	hook     Hook
}

// NewFakeUpstream creates an empty upstream. prefixes maps apiName to the
// three-character key prefix of new ids.
func NewFakeUpstream(prefixes map[string]string) *FakeUpstream {
	p := make(map[string]string, len(prefixes))
	for k, v := range prefixes {
		p[k] = v
	}
	return &FakeUpstream{records: map[string]*record.Representation{}, prefixes: p}
}

// Seed stores rep as a server-side record.
func (u *FakeUpstream) Seed(rep *record.Representation) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := rep.Clone()
	if c.ETag == "" {
		c.ETag = ir.MustETag(c.ScalarValues())
	}
	u.records[c.ID] = c
}

// Record returns the server-side copy of id.
func (u *FakeUpstream) Record(id string) (*record.Representation, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rep, ok := u.records[id]
	if !ok {
		return nil, false
	}
	return rep.Clone(), true
}

// IDs returns the ids of all server-side records, sorted.
func (u *FakeUpstream) IDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]string, 0, len(u.records))
	for id := range u.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetOffline makes every request fail with ErrOffline while on is true.
func (u *FakeUpstream) SetOffline(on bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.offline = on
}

// FailNext makes the next request fail with the given error status.
func (u *FakeUpstream) FailNext(status int, message string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.failures = append(u.failures, transport.Upstream(status, message))
}

// SetHook installs fn to run before each request is handled.
func (u *FakeUpstream) SetHook(fn Hook) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.hook = fn
}

// Requests returns copies of the requests received so far.
func (u *FakeUpstream) Requests() []*transport.Request {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*transport.Request, len(u.requests))
	for i, r := range u.requests {
		out[i] = r.Clone()
	}
	return out
}

// Dispatch implements transport.Handler.
func (u *FakeUpstream) Dispatch(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	u.mu.Lock()
	hook := u.hook
	u.mu.Unlock()
	if hook != nil {
		hook(ctx, req)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, req.Clone())
	if u.offline {
		return nil, ErrOffline
	}
	if len(u.failures) > 0 {
		err := u.failures[0]
		u.failures = u.failures[1:]
		return nil, err
	}

	endpoint, ids := transport.ClassifyRecordRequest(req)
	switch endpoint {
	case transport.EndpointCreate:
		return u.create(req)
	case transport.EndpointUpdate:
		return u.update(ids[0], req)
	case transport.EndpointDelete:
		if _, ok := u.records[ids[0]]; !ok {
			return nil, transport.Upstream(http.StatusNotFound, "ENTITY_IS_DELETED")
		}
		delete(u.records, ids[0])
		return &transport.Response{Status: http.StatusNoContent}, nil
	case transport.EndpointGet:
		rep, ok := u.records[ids[0]]
		if !ok {
			return nil, transport.Upstream(http.StatusNotFound, "NOT_FOUND")
		}
		return transport.JSONResponse(http.StatusOK, filterRecord(rep, req))
	case transport.EndpointGetBatch:
		var body transport.BatchResponse
		for _, id := range ids {
			rep, ok := u.records[id]
			if !ok {
				body.Results = append(body.Results, transport.BatchResult{StatusCode: http.StatusNotFound})
				continue
			}
			body.Results = append(body.Results, transport.BatchResult{StatusCode: http.StatusOK, Result: filterRecord(rep, req)})
		}
		return transport.JSONResponse(http.StatusOK, body)
	}
	return nil, transport.Upstream(http.StatusNotFound, fmt.Sprintf("no route for %s %s", req.Method, req.Path))
}

func (u *FakeUpstream) create(req *transport.Request) (*transport.Response, error) {
	var in transport.RecordInput
	if err := req.DecodeBody(&in); err != nil {
		return nil, transport.Upstream(http.StatusBadRequest, "JSON_PARSER_ERROR")
	}
	if in.APIName == "" {
		return nil, transport.Upstream(http.StatusBadRequest, "REQUIRED_FIELD_MISSING")
	}
	prefix, ok := u.prefixes[in.APIName]
	if !ok {
		prefix = "000"
	}
	u.seq++
	rep := &record.Representation{
		ID:       fmt.Sprintf("%s%015d", prefix, u.seq),
		APIName:  in.APIName,
		WeakEtag: 1,
		Fields:   map[string]record.FieldValue{},
	}
	if err := applyInput(rep, in); err != nil {
		return nil, err
	}
	rep.ETag = ir.MustETag(rep.ScalarValues())
	u.records[rep.ID] = rep
	return transport.JSONResponse(http.StatusCreated, rep)
}

func (u *FakeUpstream) update(id string, req *transport.Request) (*transport.Response, error) {
	rep, ok := u.records[id]
	if !ok {
		return nil, transport.Upstream(http.StatusNotFound, "ENTITY_IS_DELETED")
	}
	var in transport.RecordInput
	if err := req.DecodeBody(&in); err != nil {
		return nil, transport.Upstream(http.StatusBadRequest, "JSON_PARSER_ERROR")
	}
	if err := applyInput(rep, in); err != nil {
		return nil, err
	}
	rep.WeakEtag++
	rep.ETag = ir.MustETag(rep.ScalarValues())
	return transport.JSONResponse(http.StatusOK, rep)
}

func applyInput(rep *record.Representation, in transport.RecordInput) error {
	for name, raw := range in.Fields {
		v, err := ir.UnmarshalValue(raw)
		if err != nil {
			return transport.Upstream(http.StatusBadRequest, "INVALID_FIELD: "+name)
		}
		rep.Fields[name] = record.Scalar(v)
	}
	return nil
}

// filterRecord returns rep restricted to the fields and optionalFields of
// req. Without either list the whole record is returned.
func filterRecord(rep *record.Representation, req *transport.Request) *record.Representation {
	paths := append(req.QueryList("fields"), req.QueryList("optionalFields")...)
	if len(paths) == 0 {
		return rep.Clone()
	}
	return filterByTrie(rep, fieldtrie.FromPaths(rep.APIName, paths...))
}

func filterByTrie(rep *record.Representation, trie *fieldtrie.Node) *record.Representation {
	out := rep.Clone()
	out.Fields = make(map[string]record.FieldValue, len(trie.Children))
	for name, child := range trie.Children {
		f, ok := rep.Fields[name]
		if !ok {
			continue
		}
		if f.Record != nil && len(child.Children) > 0 {
			out.Fields[name] = record.FieldValue{
				DisplayValue: ir.Clone(f.DisplayValue),
				Record:       filterByTrie(f.Record, child),
			}
			continue
		}
		out.Fields[name] = f.Clone()
	}
	return out
}
