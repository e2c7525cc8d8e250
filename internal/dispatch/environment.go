// Package dispatch makes the record endpoints draft-aware.
//
// Mutations on records are turned into durable draft actions and answered
// with synthetic responses built from the draft overlay. Reads of draft ids
// are served from the durable store until the server assigns a canonical id,
// after which requests are rewritten to it. Everything else passes through to
// the upstream handler, with fetched records merged into the graph and
// persisted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/recordcache/internal/draft"
	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/fieldtrie"
	"github.com/roach88/recordcache/internal/graph"
	"github.com/roach88/recordcache/internal/ingest"
	"github.com/roach88/recordcache/internal/merge"
	"github.com/roach88/recordcache/internal/objectinfo"
	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/transport"
)

// MaxBatchRetries bounds how often a batch read is restarted because a draft
// id gained a canonical mapping while the network call was in flight.
const MaxBatchRetries = 3

// Config wires an Environment.
type Config struct {
	// Durable is the persistent store. Required.
	Durable durable.Store
	// Upstream is the network handler. Required.
	Upstream transport.Handler
	// Objects resolves apiNames and key prefixes. Required.
	Objects *objectinfo.Registry

	// Graph is the in-memory record graph; a fresh one is created when nil.
	Graph *graph.Memory
	// Clock drives action timestamps and mapping expiry.
	Clock draft.Clock
	// MaxDepth bounds spanning traversal when tracking and persisting.
	MaxDepth int
	// MappingRetention is how long draft id mappings are kept.
	MappingRetention time.Duration
	// RetryInterval is how long the queue waits after a connectivity failure.
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// Environment owns the graph, the durable store, the draft queue and the id
// mappings, and keeps them consistent as requests and queue events arrive.
type Environment struct {
	graph    *graph.Memory
	durable  durable.Store
	upstream transport.Handler
	objects  *objectinfo.Registry
	queue    *draft.Queue
	mappings *draft.MappingStore
	ingester *ingest.Ingester
	resolver *merge.Resolver
	validate *validator.Validate
	maxDepth int
	logger   *slog.Logger

	// writeMu serializes graph and durable mutation sequences (ingest then
	// persist, overlay then revive). Never held across Queue calls that
	// emit events.
	writeMu sync.Mutex

	deleteMu       sync.Mutex
	pendingDeletes map[string]bool

	handler      transport.Handler
	unsubscribe  func()
	upstreamOnly transport.Handler
}

// NewEnvironment builds an environment and restores persisted id mappings
// into the graph as redirects.
func NewEnvironment(ctx context.Context, cfg Config) (*Environment, error) {
	if cfg.Durable == nil || cfg.Upstream == nil || cfg.Objects == nil {
		return nil, errors.New("new environment: durable store, upstream and object info are required")
	}
	if cfg.Graph == nil {
		cfg.Graph = graph.NewMemory()
	}
	if cfg.Clock == nil {
		cfg.Clock = draft.SystemClock{}
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = fieldtrie.DefaultMaxDepth
	}
	if cfg.MappingRetention <= 0 {
		cfg.MappingRetention = draft.DefaultMappingRetention
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = draft.DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Environment{
		graph:          cfg.Graph,
		durable:        cfg.Durable,
		upstream:       cfg.Upstream,
		objects:        cfg.Objects,
		validate:       validator.New(),
		maxDepth:       cfg.MaxDepth,
		logger:         cfg.Logger,
		pendingDeletes: make(map[string]bool),
	}
	e.upstreamOnly = transport.HandlerFunc(e.network)
	e.resolver = merge.NewResolver(&RecordFetcher{env: e}, cfg.Logger)
	e.ingester = ingest.New(e.graph, merge.NewEngine(e.resolver, merge.WithLogger(cfg.Logger)), e.resolver,
		ingest.WithMaxDepth(cfg.MaxDepth),
		ingest.WithLogger(cfg.Logger),
	)
	e.queue = draft.New(cfg.Durable, transport.HandlerFunc(e.upload),
		draft.WithClock(cfg.Clock),
		draft.WithLogger(cfg.Logger),
		draft.WithRetryInterval(cfg.RetryInterval),
	)
	e.mappings = draft.NewMappingStore(cfg.Durable,
		draft.WithMappingClock(cfg.Clock),
		draft.WithRetention(cfg.MappingRetention),
		draft.WithMappingLogger(cfg.Logger),
	)

	mappings, err := e.mappings.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("new environment: %w", err)
	}
	for _, m := range mappings {
		e.graph.Redirect(m.DraftKey, m.CanonicalKey)
	}
	if err := e.restorePendingDeletes(ctx); err != nil {
		return nil, fmt.Errorf("new environment: %w", err)
	}

	e.unsubscribe = e.queue.RegisterOnChangedListener(e.onQueueChanged)
	e.handler = transport.Chain(e.upstreamOnly,
		CreateRecord(e),
		UpdateRecord(e),
		DeleteRecord(e),
		GetRecord(e),
		GetRecords(e),
	)
	e.logger.Info("draft-aware environment ready", "id_mappings", len(mappings))
	return e, nil
}

// Handler returns the draft-aware request handler.
func (e *Environment) Handler() transport.Handler { return e.handler }

// Dispatch sends req through the draft-aware handler.
func (e *Environment) Dispatch(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return e.handler.Dispatch(ctx, req)
}

// Queue returns the draft queue.
func (e *Environment) Queue() *draft.Queue { return e.queue }

// Mappings returns the draft id mapping store.
func (e *Environment) Mappings() *draft.MappingStore { return e.mappings }

// Graph returns the in-memory record graph.
func (e *Environment) Graph() *graph.Memory { return e.graph }

// Objects returns the object info registry.
func (e *Environment) Objects() *objectinfo.Registry { return e.objects }

// Resolver returns the conflict resolver, mostly so callers can Wait on
// background re-fetches.
func (e *Environment) Resolver() *merge.Resolver { return e.resolver }

// Close detaches from the queue and waits for background fetches. The
// durable store is owned by the caller.
func (e *Environment) Close() {
	e.queue.Close()
	if e.unsubscribe != nil {
		e.unsubscribe()
	}
	e.resolver.Wait()
}

// CanonicalID returns the id that id currently redirects to.
func (e *Environment) CanonicalID(id string) string {
	key := e.graph.CanonicalKey(record.Key(id))
	if canonical, ok := record.IDFromKey(key); ok {
		return canonical
	}
	return id
}

// StoreEvict removes key from the live cache and the durable store. The
// first eviction after a draft delete of key only clears the live cache; the
// durable copy has to survive until the server confirms the delete.
func (e *Environment) StoreEvict(ctx context.Context, key string) error {
	key = e.graph.CanonicalKey(key)

	e.deleteMu.Lock()
	pending := e.pendingDeletes[key]
	delete(e.pendingDeletes, key)
	e.deleteMu.Unlock()

	e.writeMu.Lock()
	e.graph.Evict(key)
	var err error
	if !pending {
		err = e.durable.EvictEntries(ctx, []string{key}, durable.SegmentDefault)
	}
	e.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("store evict %s: %w", key, err)
	}
	e.logger.Debug("record evicted", "key", key, "durable_kept", pending)
	e.graph.Broadcast(ctx)
	return nil
}

// LookupRecord reads the record id from the graph, restricted to paths when
// given.
func (e *Environment) LookupRecord(id string, paths ...string) graph.Snapshot {
	key := e.graph.CanonicalKey(record.Key(id))
	var fields *fieldtrie.Node
	if len(paths) > 0 {
		apiName, _ := e.objects.APIName(id)
		fields = fieldtrie.FromPaths(apiName, paths...)
	}
	return e.graph.LookupRecord(key, fields)
}

// ResolveUnfulfilledSnapshot answers req for a caller whose graph read came
// back unfulfilled. Fulfilled snapshots are returned as they are; otherwise
// the request goes through the draft-aware handler, so draft records are
// synthesized rather than fetched.
func (e *Environment) ResolveUnfulfilledSnapshot(ctx context.Context, req *transport.Request, snap graph.Snapshot) (*transport.Response, error) {
	if snap.State == graph.Fulfilled && snap.Data != nil {
		return transport.JSONResponse(200, snap.Data)
	}
	return e.handler.Dispatch(ctx, req)
}

func (e *Environment) markPendingDelete(key string, on bool) {
	e.deleteMu.Lock()
	defer e.deleteMu.Unlock()
	if on {
		e.pendingDeletes[key] = true
		return
	}
	delete(e.pendingDeletes, key)
}

// restorePendingDeletes re-arms eviction suppression for deletes still in
// the queue after a restart.
func (e *Environment) restorePendingDeletes(ctx context.Context) error {
	actions, err := e.queue.GetQueueActions(ctx)
	if err != nil {
		return err
	}
	for _, a := range actions {
		if a.IsDelete() {
			e.markPendingDelete(e.graph.CanonicalKey(a.Tag), true)
		}
	}
	return nil
}
