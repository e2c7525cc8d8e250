package dispatch

import (
	"context"
	"fmt"

	"github.com/roach88/recordcache/internal/draft"
	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/record"
)

// onQueueChanged keeps the graph and the durable store in step with the
// draft queue.
func (e *Environment) onQueueChanged(ctx context.Context, ev draft.Event) error {
	if ev.Action == nil {
		return nil
	}
	a := ev.Action

	switch ev.Type {
	case draft.EventActionAdded, draft.EventActionUpdated:
		if err := e.refreshOverlay(ctx, a.Tag); err != nil {
			return err
		}
	case draft.EventActionDeleted:
		if a.IsDelete() {
			e.markPendingDelete(e.graph.CanonicalKey(a.Tag), false)
		}
		if err := e.refreshOverlay(ctx, a.Tag); err != nil {
			return err
		}
	case draft.EventActionCompleted:
		if err := e.handleCompleted(ctx, a); err != nil {
			return err
		}
	case draft.EventActionFailed:
		e.logger.Warn("draft action needs attention", "action_id", a.ID, "tag", a.Tag)
		return nil
	default:
		return nil
	}
	e.graph.Broadcast(ctx)
	return nil
}

// handleCompleted applies the server's answer to an uploaded action. The
// completed action no longer counts as pending, so the overlay computed here
// covers only the actions still queued.
func (e *Environment) handleCompleted(ctx context.Context, a *draft.Action) error {
	switch {
	case a.IsCreate():
		return e.completeCreate(ctx, a)
	case a.IsDelete():
		return e.completeDelete(ctx, a)
	}

	if a.Response != nil && len(a.Response.Body) > 0 {
		var rep record.Representation
		if err := a.Response.DecodeBody(&rep); err != nil {
			return fmt.Errorf("complete %s: decode response: %w", a.ID, err)
		}
		if rep.ID != "" {
			_, err := e.ingest(ctx, &rep)
			return err
		}
	}
	return e.refreshOverlay(ctx, a.Tag)
}

// completeCreate moves a draft record to the id the server assigned: the
// draft key redirects to the canonical key from now on, the mapping is
// persisted for restarts, and the server's record replaces the draft copy.
func (e *Environment) completeCreate(ctx context.Context, a *draft.Action) error {
	if a.Response == nil {
		return fmt.Errorf("complete create %s: no response", a.ID)
	}
	var rep record.Representation
	if err := a.Response.DecodeBody(&rep); err != nil {
		return fmt.Errorf("complete create %s: decode response: %w", a.ID, err)
	}
	if rep.ID == "" {
		return fmt.Errorf("complete create %s: response has no record id", a.ID)
	}
	draftKey := a.Tag
	canonicalKey := record.Key(rep.ID)

	if _, err := e.mappings.Put(ctx, draftKey, canonicalKey); err != nil {
		return fmt.Errorf("complete create %s: %w", a.ID, err)
	}

	e.writeMu.Lock()
	// Evict before redirecting; afterwards the draft key resolves to the
	// canonical record.
	e.graph.Evict(draftKey)
	e.graph.Redirect(draftKey, canonicalKey)
	err := e.durable.EvictEntries(ctx, []string{draftKey}, durable.SegmentDefault)
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("complete create %s: evict draft copy: %w", a.ID, err)
	}

	e.deleteMu.Lock()
	if e.pendingDeletes[draftKey] {
		delete(e.pendingDeletes, draftKey)
		e.pendingDeletes[canonicalKey] = true
	}
	e.deleteMu.Unlock()

	if _, err := e.ingest(ctx, &rep); err != nil {
		return fmt.Errorf("complete create %s: %w", a.ID, err)
	}
	e.logger.Info("draft record assigned canonical id",
		"draft_key", draftKey,
		"canonical_key", canonicalKey,
	)
	return nil
}

func (e *Environment) completeDelete(ctx context.Context, a *draft.Action) error {
	key := e.graph.CanonicalKey(a.Tag)

	e.writeMu.Lock()
	e.graph.Evict(key)
	err := e.durable.EvictEntries(ctx, []string{key}, durable.SegmentDefault)
	e.writeMu.Unlock()
	e.markPendingDelete(key, false)
	if err != nil {
		return fmt.Errorf("complete delete %s: %w", a.ID, err)
	}
	return nil
}
