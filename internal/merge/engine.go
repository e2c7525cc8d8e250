// Package merge reconciles two versions of the same normalized record.
//
// Versions are ordered by weakEtag. When the newer version tracks fewer
// fields than the older one, the older-only fields are kept but marked
// pending and queued for re-fetch. When neither version's field set contains
// the other, the record is fetched again with the union of both.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/record"
)

// Version is one side of a merge: the record node and the fields it tracks.
type Version struct {
	Node   *record.RecordNode
	Fields *fieldtrie.Node
}

// Outcome names the branch a merge took.
type Outcome string

const (
	// OutcomeIncoming means incoming replaced existing.
	OutcomeIncoming Outcome = "incoming"
	// OutcomeExisting means existing was kept.
	OutcomeExisting Outcome = "existing"
	// OutcomeUnion means both versions shared a weakEtag and were unioned.
	OutcomeUnion Outcome = "union"
	// OutcomePendingFields means the newer version was extended with
	// pending fields from the older one.
	OutcomePendingFields Outcome = "pending_fields"
	// OutcomeRefetch means the field sets were incomparable.
	OutcomeRefetch Outcome = "refetch"
)

// Result is the merged record and how it was produced.
type Result struct {
	Node    *record.RecordNode
	Outcome Outcome
	// Pending lists the qualified paths carried over as pending.
	Pending []string
}

// ErrRecordMismatch is returned when the two versions are different records.
var ErrRecordMismatch = errors.New("merge: versions belong to different records")

// Engine merges record versions. Its resolver issues the immediate fetches;
// with no resolver those fetches are skipped and logged.
type Engine struct {
	resolver *Resolver
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine returns an engine that issues fallback fetches through r.
func NewEngine(r *Resolver, opts ...Option) *Engine {
	e := &Engine{resolver: r, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge combines existing and incoming. When conflicts is non-nil, fields
// that need confirming are added to it and no fetch is issued for them;
// otherwise a single-record fetch is issued immediately. A merge between
// incomparable field sets always fetches immediately.
func (e *Engine) Merge(ctx context.Context, existing, incoming Version, conflicts *ConflictMap) (Result, error) {
	if incoming.Node == nil {
		return Result{}, fmt.Errorf("merge: incoming version has no node")
	}
	if existing.Node == nil {
		return Result{Node: incoming.Node.Clone(), Outcome: OutcomeIncoming}, nil
	}
	if existing.Node.ID != incoming.Node.ID {
		return Result{}, fmt.Errorf("%w: %s != %s", ErrRecordMismatch, existing.Node.ID, incoming.Node.ID)
	}
	existing = withFields(existing)
	incoming = withFields(incoming)

	switch {
	case incoming.Node.WeakEtag == existing.Node.WeakEtag:
		return Result{Node: unionNodes(existing.Node, incoming.Node), Outcome: OutcomeUnion}, nil
	case incoming.Node.WeakEtag > existing.Node.WeakEtag:
		return e.mergeOrdered(ctx, incoming, existing, OutcomeIncoming, conflicts), nil
	default:
		return e.mergeOrdered(ctx, existing, incoming, OutcomeExisting, conflicts), nil
	}
}

// mergeOrdered merges when newer has the higher weakEtag.
func (e *Engine) mergeOrdered(ctx context.Context, newer, older Version, newerWins Outcome, conflicts *ConflictMap) Result {
	id := newer.Node.ID

	if fieldtrie.IsSuperset(newer.Fields, older.Fields) {
		return Result{Node: newer.Node.Clone(), Outcome: newerWins}
	}

	if fieldtrie.IsSuperset(older.Fields, newer.Fields) {
		merged := newer.Node.Clone()
		for name := range older.Node.Fields {
			if _, ok := merged.Fields[name]; !ok {
				merged.Fields[name] = record.FieldLink{Pending: true}
			}
		}
		pending := fieldtrie.Difference(older.Fields, newer.Fields)
		if conflicts != nil {
			conflicts.Add(id, pending)
		} else {
			e.fetchNow(ctx, id, pending)
		}
		e.logger.Debug("merge kept fields as pending",
			"record_id", id,
			"weak_etag", newer.Node.WeakEtag,
			"pending", len(pending.Paths()))
		return Result{Node: merged, Outcome: OutcomePendingFields, Pending: pending.Paths()}
	}

	all := fieldtrie.Union(newer.Fields, older.Fields)
	e.logger.Debug("merge fields incomparable, refetching",
		"record_id", id,
		"paths", len(all.Paths()))
	e.fetchNow(ctx, id, all)
	return Result{Node: newer.Node.Clone(), Outcome: OutcomeRefetch}
}

func (e *Engine) fetchNow(ctx context.Context, id string, fields *fieldtrie.Node) {
	if e.resolver == nil {
		e.logger.Warn("no resolver configured, skipping re-fetch", "record_id", id)
		return
	}
	m := NewConflictMap()
	m.Add(id, fields)
	e.resolver.ResolveConflict(ctx, m)
}

// unionNodes merges two versions with equal weakEtag. Existing wins on a
// field both sides have, unless existing's link is unconfirmed and incoming's
// is not.
func unionNodes(existing, incoming *record.RecordNode) *record.RecordNode {
	merged := existing.Clone()
	if merged.ETag == "" {
		merged.ETag = incoming.ETag
	}
	if merged.Drafts == nil {
		merged.Drafts = incoming.Drafts.Clone()
	}
	for name, in := range incoming.Fields {
		cur, ok := merged.Fields[name]
		switch {
		case !ok:
			merged.Fields[name] = in
		case !cur.Resolvable() && (in.Resolvable() || (cur.Pending && in.IsMissing)):
			merged.Fields[name] = in
		}
	}
	return merged
}

func withFields(v Version) Version {
	if v.Fields != nil {
		return v
	}
	t := fieldtrie.New(v.Node.APIName)
	for name := range v.Node.Fields {
		t.Insert(name)
	}
	v.Fields = t
	return v
}
