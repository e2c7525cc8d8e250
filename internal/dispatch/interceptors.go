package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/recordcache/internal/graph"
	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/transport"
)

// createBody is the validated shape of a create.
type createBody struct {
	APIName string                     `json:"apiName" validate:"required"`
	Fields  map[string]json.RawMessage `json:"fields" validate:"required"`
}

// updateBody is the validated shape of an update.
type updateBody struct {
	Fields map[string]json.RawMessage `json:"fields" validate:"required,min=1"`
}

func (e *Environment) decodeBody(req *transport.Request, v any) error {
	if len(req.Body) == 0 {
		return transport.BadRequest("request body is required")
	}
	if err := json.Unmarshal(req.Body, v); err != nil {
		return transport.BadRequest("malformed body: %v", err)
	}
	if err := e.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return transport.BadRequest("%s is %s", jsonName(verrs[0].Field()), verrs[0].Tag())
		}
		return transport.BadRequest("invalid body: %v", err)
	}
	return nil
}

func jsonName(s string) string {
	switch s {
	case "APIName":
		return "apiName"
	case "Fields":
		return "fields"
	}
	return s
}

// CreateRecord turns a record create into a draft action and answers with
// the draft record under a freshly generated draft id.
func CreateRecord(env *Environment) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			if endpoint, _ := transport.ClassifyRecordRequest(req); endpoint != transport.EndpointCreate {
				return next.Dispatch(ctx, req)
			}

			var body createBody
			if err := env.decodeBody(req, &body); err != nil {
				return nil, err
			}
			if _, ok := env.objects.PrefixFor(body.APIName); !ok {
				return nil, transport.BadRequest("unknown apiName %q", body.APIName)
			}
			req, err := env.rewriteRequest(req)
			if err != nil {
				return nil, err
			}

			id, err := env.objects.NewDraftID(body.APIName)
			if err != nil {
				return nil, transport.Internal(err)
			}
			key := record.Key(id)
			if _, err := env.queue.Enqueue(ctx, req, key, id, body.APIName); err != nil {
				return nil, transport.Internal(fmt.Errorf("enqueue create: %w", err))
			}

			rep, err := env.revive(key)
			if err != nil {
				return nil, err
			}
			env.graph.Broadcast(ctx)
			return syntheticResponse(http.StatusCreated, rep)
		})
	}
}

// UpdateRecord turns a record update into a draft action and answers with
// the record with the edit overlaid.
func UpdateRecord(env *Environment) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			endpoint, ids := transport.ClassifyRecordRequest(req)
			if endpoint != transport.EndpointUpdate {
				return next.Dispatch(ctx, req)
			}
			if len(ids) != 1 || ids[0] == "" {
				return nil, transport.BadRequest("record id is required")
			}

			var body updateBody
			if err := env.decodeBody(req, &body); err != nil {
				return nil, err
			}
			req, err := env.rewriteRequest(req)
			if err != nil {
				return nil, err
			}

			id := env.CanonicalID(ids[0])
			key := env.graph.CanonicalKey(record.Key(id))
			if !record.IsRecordKey(key) {
				return nil, transport.BadRequest("%s does not address a record", ids[0])
			}

			// The cached copy does not reflect the edit yet.
			env.writeMu.Lock()
			env.graph.Evict(key)
			env.writeMu.Unlock()

			if _, err := env.queue.Enqueue(ctx, req, key, id, env.apiNameOf(ctx, id, key)); err != nil {
				// No action will bring the evicted copy back.
				if rerr := env.restoreLive(ctx, key); rerr != nil {
					env.logger.Warn("failed to restore record after enqueue failure", "key", key, "error", rerr)
				}
				return nil, transport.Internal(fmt.Errorf("enqueue update: %w", err))
			}

			rep, err := env.revive(key)
			if err != nil {
				return nil, err
			}
			env.graph.Broadcast(ctx)
			return syntheticResponse(http.StatusOK, rep)
		})
	}
}

// DeleteRecord turns a record delete into a draft action and answers with
// an empty success. The next StoreEvict of the record keeps its durable copy.
func DeleteRecord(env *Environment) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			endpoint, ids := transport.ClassifyRecordRequest(req)
			if endpoint != transport.EndpointDelete {
				return next.Dispatch(ctx, req)
			}
			if len(ids) != 1 || ids[0] == "" {
				return nil, transport.BadRequest("record id is required")
			}
			req, err := env.rewriteRequest(req)
			if err != nil {
				return nil, err
			}

			id := env.CanonicalID(ids[0])
			key := env.graph.CanonicalKey(record.Key(id))
			env.markPendingDelete(key, true)
			if _, err := env.queue.Enqueue(ctx, req, key, id, env.apiNameOf(ctx, id, key)); err != nil {
				env.markPendingDelete(key, false)
				return nil, transport.Internal(fmt.Errorf("enqueue delete: %w", err))
			}
			env.graph.Broadcast(ctx)
			return syntheticResponse(http.StatusNoContent, nil)
		})
	}
}

// GetRecord serves reads of draft records that have no canonical id yet
// from the durable store. Draft ids with a mapping are rewritten and read
// from the network.
func GetRecord(env *Environment) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			endpoint, ids := transport.ClassifyRecordRequest(req)
			if endpoint != transport.EndpointGet || !env.objects.IsDraftID(ids[0]) {
				return next.Dispatch(ctx, req)
			}
			req, err := env.rewriteRequest(req)
			if err != nil {
				return nil, err
			}
			id := env.CanonicalID(ids[0])
			if !env.objects.IsDraftID(id) {
				env.logger.Debug("draft id redirected", "draft_id", ids[0], "canonical_id", id)
				return next.Dispatch(ctx, req)
			}

			rep, err := env.synthesize(ctx, id, requestedFields(req))
			if err != nil {
				return nil, err
			}
			return syntheticResponse(http.StatusOK, rep)
		})
	}
}

// GetRecords serves batch reads mixing canonical and draft ids: canonical
// ids (including mapped drafts) in one network call, unmapped drafts from
// the durable store, results in request order. If a draft id gains a
// mapping while the network call is in flight the whole read starts over.
func GetRecords(env *Environment) transport.Middleware {
	return func(next transport.Handler) transport.Handler {
		return transport.HandlerFunc(func(ctx context.Context, req *transport.Request) (*transport.Response, error) {
			endpoint, ids := transport.ClassifyRecordRequest(req)
			if endpoint != transport.EndpointGetBatch {
				return next.Dispatch(ctx, req)
			}
			for attempt := 1; attempt <= MaxBatchRetries; attempt++ {
				body, raced, err := env.getBatch(ctx, next, req, ids)
				if err != nil {
					return nil, err
				}
				if !raced {
					return syntheticResponse(http.StatusOK, body)
				}
				env.logger.Info("draft id mapped during batch read, retrying", "attempt", attempt)
			}
			return nil, transport.Internal(fmt.Errorf("batch read: redirects changed on %d attempts", MaxBatchRetries))
		})
	}
}

func (e *Environment) getBatch(ctx context.Context, next transport.Handler, req *transport.Request, ids []string) (*transport.BatchResponse, bool, error) {
	var canonical, drafts []string
	target := make([]string, len(ids))
	for i, id := range ids {
		target[i] = e.CanonicalID(id)
		if e.objects.IsDraftID(target[i]) {
			drafts = append(drafts, target[i])
		} else {
			canonical = append(canonical, target[i])
		}
	}

	results := make(map[string]transport.BatchResult, len(ids))
	if len(canonical) > 0 {
		netReq := req.Clone()
		netReq.Path = transport.BatchPath(canonical)
		resp, err := next.Dispatch(ctx, netReq)
		if err != nil {
			return nil, false, err
		}
		var body transport.BatchResponse
		if err := resp.DecodeBody(&body); err != nil {
			return nil, false, transport.Internal(fmt.Errorf("decode batch response: %w", err))
		}
		if len(body.Results) != len(canonical) {
			return nil, false, transport.Internal(fmt.Errorf("batch response has %d results for %d ids", len(body.Results), len(canonical)))
		}
		for i, id := range canonical {
			results[id] = body.Results[i]
		}
	}

	for _, id := range drafts {
		if e.CanonicalID(id) != id {
			return nil, true, nil
		}
	}

	fields := requestedFields(req)
	for _, id := range drafts {
		rep, err := e.synthesize(ctx, id, fields)
		if err != nil {
			return nil, false, err
		}
		results[id] = transport.BatchResult{StatusCode: http.StatusOK, Result: rep}
	}

	out := &transport.BatchResponse{Results: make([]transport.BatchResult, len(ids))}
	for i := range ids {
		out.Results[i] = results[target[i]]
	}
	return out, false, nil
}

func requestedFields(req *transport.Request) []string {
	return append(req.QueryList("fields"), req.QueryList("optionalFields")...)
}

// apiNameOf finds the apiName of the record id from the graph, the durable
// store or its key prefix.
func (e *Environment) apiNameOf(ctx context.Context, id, key string) string {
	if n, ok := e.graph.Lookup(key); ok {
		if rec, ok := n.(*record.RecordNode); ok && rec.APIName != "" {
			return rec.APIName
		}
	}
	if rep, err := e.readDurable(ctx, key); err == nil && rep != nil {
		return rep.APIName
	}
	name, _ := e.objects.APIName(id)
	return name
}

// snapshotResponse answers a read from the graph when the snapshot is
// complete.
func snapshotResponse(snap graph.Snapshot) (*transport.Response, bool) {
	if snap.State != graph.Fulfilled || snap.Data == nil {
		return nil, false
	}
	resp, err := transport.JSONResponse(http.StatusOK, snap.Data)
	if err != nil {
		return nil, false
	}
	return resp, true
}
