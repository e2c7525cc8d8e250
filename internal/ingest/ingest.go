// Package ingest writes network record representations into the graph,
// merging each record with the copy already cached.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/graph"
	"github.com/roach88/recordcache/internal/merge"
	"github.com/roach88/recordcache/internal/record"
)

// Ingester normalizes representations and merges them into a graph.
type Ingester struct {
	graph    graph.Store
	engine   *merge.Engine
	resolver *merge.Resolver
	maxDepth int
	logger   *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithMaxDepth bounds the spanning depth of tracked-field tries.
func WithMaxDepth(d int) Option {
	return func(i *Ingester) { i.maxDepth = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Ingester) { i.logger = l }
}

// New returns an Ingester. The resolver receives the conflicts gathered in
// each pass; it may be nil, in which case pending fields are only marked.
func New(g graph.Store, engine *merge.Engine, resolver *merge.Resolver, opts ...Option) *Ingester {
	i := &Ingester{
		graph:    g,
		engine:   engine,
		resolver: resolver,
		maxDepth: fieldtrie.DefaultMaxDepth,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Result lists the record keys written by a pass, parents first.
type Result struct {
	RecordKeys []string
	Outcomes   map[string]merge.Outcome
}

// Ingest merges one representation (and its nested records) into the graph.
func (i *Ingester) Ingest(ctx context.Context, rep *record.Representation) (Result, error) {
	return i.IngestAll(ctx, []*record.Representation{rep})
}

// IngestAll merges several representations in one pass. Conflicts from every
// record in the pass are resolved together, so a batch response produces at
// most one follow-up fetch.
func (i *Ingester) IngestAll(ctx context.Context, reps []*record.Representation) (Result, error) {
	res := Result{Outcomes: make(map[string]merge.Outcome)}
	conflicts := merge.NewConflictMap()
	seen := make(map[string]bool)

	for _, rep := range reps {
		if rep == nil {
			continue
		}
		nodes, order := record.Normalize(rep)
		for _, key := range order {
			if seen[key] {
				continue
			}
			seen[key] = true
			outcome, err := i.mergeRecord(ctx, key, nodes, conflicts)
			if err != nil {
				return res, fmt.Errorf("ingest %s: %w", key, err)
			}
			res.RecordKeys = append(res.RecordKeys, key)
			res.Outcomes[key] = outcome
		}
	}

	if conflicts.Len() > 0 {
		if i.resolver != nil {
			i.resolver.ResolveConflict(ctx, conflicts)
		} else {
			i.logger.Warn("conflicts left unresolved", "records", conflicts.Len())
		}
	}
	return res, nil
}

func (i *Ingester) mergeRecord(ctx context.Context, key string, nodes map[string]record.Node, conflicts *merge.ConflictMap) (merge.Outcome, error) {
	incomingNode := nodes[key].(*record.RecordNode)
	incoming := merge.Version{
		Node:   incomingNode,
		Fields: fieldtrie.FromNodes(nodes, key, i.maxDepth),
	}

	key = i.graph.CanonicalKey(key)
	var existing merge.Version
	if n, ok := i.graph.Lookup(key); ok {
		if rec, ok := n.(*record.RecordNode); ok {
			existing = merge.Version{Node: rec, Fields: fieldtrie.FromRecord(i.graph, key, i.maxDepth)}
		}
	}

	result, err := i.engine.Merge(ctx, existing, incoming, conflicts)
	if err != nil {
		return "", err
	}

	for name, link := range incomingNode.Fields {
		if !takesIncoming(existing.Node, incomingNode, result.Node, name) {
			continue
		}
		if fn, ok := nodes[link.Ref]; ok {
			i.graph.Put(link.Ref, fn)
		}
	}
	i.graph.Put(key, result.Node)

	i.logger.Debug("record ingested",
		"key", key,
		"weak_etag", result.Node.WeakEtag,
		"outcome", result.Outcome)
	return result.Outcome, nil
}

// takesIncoming reports whether the merged node links field name to the
// incoming field node, which then has to be written.
func takesIncoming(existing, incoming, merged *record.RecordNode, name string) bool {
	link, ok := merged.Fields[name]
	if !ok || !link.Resolvable() || link.Ref != incoming.Fields[name].Ref {
		return false
	}
	if existing == nil || incoming.WeakEtag > existing.WeakEtag {
		return true
	}
	if incoming.WeakEtag < existing.WeakEtag {
		return false
	}
	prev, had := existing.Fields[name]
	return !had || !prev.Resolvable()
}
