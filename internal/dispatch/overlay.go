package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"github.com/roach88/recordcache/internal/draft"
	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/durablerecord"
	"github.com/roach88/recordcache/internal/graph"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/transport"
)

func (e *Environment) readDurable(ctx context.Context, key string) (*durablerecord.Representation, error) {
	entries, err := e.durable.GetEntries(ctx, []string{key}, durable.SegmentDefault)
	if err != nil {
		return nil, fmt.Errorf("read durable %s: %w", key, err)
	}
	entry, ok := entries[key]
	if !ok {
		return nil, nil
	}
	var rep durablerecord.Representation
	if err := entry.Decode(&rep); err != nil {
		return nil, fmt.Errorf("decode durable %s: %w", key, err)
	}
	return &rep, nil
}

func (e *Environment) writeDurable(ctx context.Context, reps map[string]*durablerecord.Representation) error {
	if len(reps) == 0 {
		return nil
	}
	entries := make(map[string]durable.Entry, len(reps))
	for key, rep := range reps {
		entry, err := durable.NewEntry(rep)
		if err != nil {
			return fmt.Errorf("encode durable %s: %w", key, err)
		}
		entries[key] = entry
	}
	return e.durable.SetEntries(ctx, entries, durable.SegmentDefault)
}

// durableLookup adapts the durable store to the synchronous lookup used when
// building responses from persisted records.
func (e *Environment) durableLookup(ctx context.Context) func(string) (*durablerecord.Representation, bool) {
	return func(key string) (*durablerecord.Representation, bool) {
		rep, err := e.readDurable(ctx, key)
		if err != nil {
			e.logger.Warn("durable lookup failed", "key", key, "error", err)
			return nil, false
		}
		return rep, rep != nil
	}
}

// persistLocked writes the graph copy of key, and the records it spans, to
// the durable store. Callers hold writeMu.
func (e *Environment) persistLocked(ctx context.Context, key string) ([]string, error) {
	reps, err := durablerecord.Denormalize(e.graph, key, e.maxDepth)
	if err != nil {
		return nil, err
	}
	if err := e.writeDurable(ctx, reps); err != nil {
		return nil, fmt.Errorf("persist %s: %w", key, err)
	}
	keys := make([]string, 0, len(reps))
	for k := range reps {
		keys = append(keys, k)
	}
	return keys, nil
}

// pendingChanges groups the still-queued actions by canonical tag.
func (e *Environment) pendingChanges(ctx context.Context) (map[string][]durablerecord.PendingChange, error) {
	actions, err := e.queue.GetQueueActions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]durablerecord.PendingChange)
	for _, a := range actions {
		change, err := changeFromAction(a)
		if err != nil {
			return nil, err
		}
		tag := e.graph.CanonicalKey(a.Tag)
		out[tag] = append(out[tag], change)
	}
	return out, nil
}

// overlayLocked recomputes the draft overlay of key from its canonical
// durable copy and the pending actions, persists it and revives it into the
// graph. Callers hold writeMu.
func (e *Environment) overlayLocked(ctx context.Context, key string, changes []durablerecord.PendingChange) error {
	key = e.graph.CanonicalKey(key)
	base, err := e.readDurable(ctx, key)
	if err != nil {
		return err
	}
	if len(changes) == 0 && (base == nil || base.Drafts == nil) {
		return nil
	}

	var defaults durablerecord.FieldDefaults
	for _, c := range changes {
		if c.Kind == durablerecord.ChangeCreate {
			defaults = e.objects.Defaults(c.APIName)
			break
		}
	}

	rep := durablerecord.ApplyDrafts(base, changes, defaults)
	if rep == nil {
		if err := e.durable.EvictEntries(ctx, []string{key}, durable.SegmentDefault); err != nil {
			return fmt.Errorf("evict draft %s: %w", key, err)
		}
		e.graph.Evict(key)
		e.logger.Debug("draft record removed", "key", key)
		return nil
	}

	if err := e.writeDurable(ctx, map[string]*durablerecord.Representation{key: rep}); err != nil {
		return fmt.Errorf("write overlay %s: %w", key, err)
	}
	for k, n := range durablerecord.Normalize(key, rep) {
		e.graph.Put(k, n)
	}
	e.logger.Debug("draft overlay applied", "key", key, "changes", len(changes))
	return nil
}

// refreshOverlay recomputes the overlay of every key in keys.
func (e *Environment) refreshOverlay(ctx context.Context, keys ...string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	changes, err := e.pendingChanges(ctx)
	if err != nil {
		return fmt.Errorf("refresh overlay: %w", err)
	}
	for _, key := range keys {
		key = e.graph.CanonicalKey(key)
		if err := e.overlayLocked(ctx, key, changes[key]); err != nil {
			return fmt.Errorf("refresh overlay: %w", err)
		}
	}
	return nil
}

// restoreLive puts the durable copy of key, with any pending drafts
// applied, back into the graph.
func (e *Environment) restoreLive(ctx context.Context, key string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	changes, err := e.pendingChanges(ctx)
	if err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}
	key = e.graph.CanonicalKey(key)
	base, err := e.readDurable(ctx, key)
	if err != nil {
		return fmt.Errorf("restore %s: %w", key, err)
	}
	rep := durablerecord.ApplyDrafts(base, changes[key], nil)
	if rep == nil {
		return nil
	}
	for k, n := range durablerecord.Normalize(key, rep) {
		e.graph.Put(k, n)
	}
	e.logger.Debug("record restored from durable store", "key", key)
	return nil
}

// ingest merges reps into the graph, persists what was written and
// re-applies the overlay of every written record that has one.
func (e *Environment) ingest(ctx context.Context, reps ...*record.Representation) ([]string, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	changes, err := e.pendingChanges(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}

	res, err := e.ingester.IngestAll(ctx, reps)
	if err != nil {
		return nil, err
	}
	persisted := make(map[string]bool)
	for _, key := range res.RecordKeys {
		if persisted[key] {
			continue
		}
		keys, err := e.persistLocked(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			persisted[k] = true
		}
	}
	for key := range persisted {
		if err := e.overlayLocked(ctx, key, changes[key]); err != nil {
			return nil, err
		}
	}
	return res.RecordKeys, nil
}

// revive reads the overlaid record at key from the graph for a synthetic
// response.
func (e *Environment) revive(key string) (*record.Representation, error) {
	snap := e.graph.LookupRecord(e.graph.CanonicalKey(key), nil)
	if snap.State != graph.Fulfilled || snap.Data == nil {
		return nil, transport.Internal(fmt.Errorf("revive %s: no fulfilled data (missing %v)", key, snap.Missing))
	}
	rep := snap.Data
	if rep.Drafts != nil {
		rep.ETag = ir.MustETag(rep.ScalarValues())
	}
	return rep, nil
}

// synthesize builds a response from the durable copy of a draft record.
func (e *Environment) synthesize(ctx context.Context, id string, fields []string) (*record.Representation, error) {
	key := record.Key(id)
	rep, err := e.readDurable(ctx, key)
	if err != nil {
		return nil, transport.Internal(err)
	}
	if rep == nil {
		return nil, transport.DraftSynthesis("no durable copy of draft record %s", id)
	}
	return durablerecord.ToRecord(rep, e.durableLookup(ctx), fields), nil
}

func syntheticResponse(status int, v any) (*transport.Response, error) {
	resp, err := transport.JSONResponse(status, v)
	if err != nil {
		return nil, transport.Internal(err)
	}
	resp.Synthetic = true
	return resp, nil
}

// changeFromAction extracts what the overlay needs from a queued action.
func changeFromAction(a *draft.Action) (durablerecord.PendingChange, error) {
	change := durablerecord.PendingChange{
		ActionID: a.ID,
		RecordID: a.TargetID,
		APIName:  a.TargetAPIName,
	}
	switch a.Request.Method {
	case http.MethodPost:
		change.Kind = durablerecord.ChangeCreate
	case http.MethodPatch:
		change.Kind = durablerecord.ChangeUpdate
	case http.MethodDelete:
		change.Kind = durablerecord.ChangeDelete
		return change, nil
	default:
		return change, fmt.Errorf("action %s: unsupported method %s", a.ID, a.Request.Method)
	}

	var body transport.RecordInput
	if err := a.Request.DecodeBody(&body); err != nil {
		return change, fmt.Errorf("action %s: decode body: %w", a.ID, err)
	}
	if body.APIName != "" {
		change.APIName = body.APIName
	}
	change.Fields = make(map[string]ir.Value, len(body.Fields))
	for name, raw := range body.Fields {
		v, err := ir.UnmarshalValue(raw)
		if err != nil {
			return change, fmt.Errorf("action %s: field %s: %w", a.ID, name, err)
		}
		change.Fields[name] = v
	}
	return change, nil
}
