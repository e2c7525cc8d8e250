package dispatch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recordcache/internal/draft"
	"github.com/roach88/recordcache/internal/durable"
	"github.com/roach88/recordcache/internal/durablerecord"
	"github.com/roach88/recordcache/internal/graph"
	"github.com/roach88/recordcache/internal/ir"
	"github.com/roach88/recordcache/internal/merge"
	"github.com/roach88/recordcache/internal/objectinfo"
	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/testutil"
	"github.com/roach88/recordcache/internal/transport"
)

type fixture struct {
	env      *Environment
	upstream *testutil.FakeUpstream
	store    durable.Store
	clock    *testutil.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, durable.NewMemoryStore(nil))
}

func newFixtureWithStore(t *testing.T, store durable.Store) *fixture {
	t.Helper()
	f := &fixture{
		upstream: testutil.NewFakeUpstream(map[string]string{"Account": "001", "Contact": "003"}),
		store:    store,
		clock:    testutil.NewFixedClock(),
	}
	f.upstream.Seed(&record.Representation{ID: "001A", APIName: "Account", WeakEtag: 1, Fields: map[string]record.FieldValue{
		"Name":   record.Scalar(ir.String("Acme")),
		"Rating": record.Scalar(ir.String("Hot")),
	}})
	f.env = f.open(t)
	return f
}

func (f *fixture) open(t *testing.T) *Environment {
	t.Helper()
	objects, err := objectinfo.Builtin()
	require.NoError(t, err)
	env, err := NewEnvironment(context.Background(), Config{
		Durable:  f.store,
		Upstream: f.upstream,
		Objects:  objects,
		Clock:    f.clock,
	})
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func (f *fixture) durableRecord(t *testing.T, id string) *durablerecord.Representation {
	t.Helper()
	rep, err := f.env.readDurable(context.Background(), record.Key(id))
	require.NoError(t, err)
	return rep
}

func createRequest(body string) *transport.Request {
	return &transport.Request{Method: http.MethodPost, Path: transport.RecordsPath, Body: []byte(body)}
}

func patchRequest(id, body string) *transport.Request {
	return &transport.Request{Method: http.MethodPatch, Path: transport.RecordPath(id), Body: []byte(body)}
}

func decodeRecord(t *testing.T, resp *transport.Response) *record.Representation {
	t.Helper()
	var rep record.Representation
	require.NoError(t, resp.DecodeBody(&rep))
	return &rep
}

func (f *fixture) create(t *testing.T, body string) *record.Representation {
	t.Helper()
	resp, err := f.env.Dispatch(context.Background(), createRequest(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.Status)
	require.True(t, resp.Synthetic)
	return decodeRecord(t, resp)
}

func (f *fixture) process(t *testing.T) {
	t.Helper()
	res, err := f.env.Queue().ProcessNextAction(context.Background())
	require.NoError(t, err)
	require.Equal(t, draft.ProcessActionProcessed, res)
}

func TestCreate_ReturnsSyntheticDraft(t *testing.T) {
	f := newFixture(t)

	rep := f.create(t, `{"apiName":"Account","fields":{"Name":"New Co"}}`)
	assert.True(t, f.env.Objects().IsDraftID(rep.ID))
	assert.True(t, strings.HasPrefix(rep.ID, "001"))
	assert.Equal(t, "Account", rep.APIName)
	assert.Equal(t, ir.String("New Co"), rep.Fields["Name"].Value)
	assert.Equal(t, ir.Null{}, rep.Fields["Rating"].Value, "default applied")
	require.NotNil(t, rep.Drafts)
	assert.True(t, rep.Drafts.Created)
	assert.NotEmpty(t, rep.ETag)

	actions, err := f.env.Queue().GetQueueActions(context.Background())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, record.Key(rep.ID), actions[0].Tag)

	persisted := f.durableRecord(t, rep.ID)
	require.NotNil(t, persisted)
	assert.True(t, persisted.Drafts.Created)
	assert.Empty(t, f.upstream.Requests(), "nothing sent while the action is queued")
}

func TestGetDraftRecord_SynthesizedFromDurableStore(t *testing.T) {
	f := newFixture(t)
	rep := f.create(t, `{"apiName":"Account","fields":{"Name":"New Co"}}`)

	resp, err := f.env.Dispatch(context.Background(), transport.GetRecordRequest(rep.ID, []string{"Account.Name"}, nil))
	require.NoError(t, err)
	assert.True(t, resp.Synthetic)
	got := decodeRecord(t, resp)
	assert.Equal(t, rep.ID, got.ID)
	assert.Equal(t, ir.String("New Co"), got.Fields["Name"].Value)
	assert.NotContains(t, got.Fields, "Rating")
}

func TestCreateCompletion_RedirectsDraftID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draftRep := f.create(t, `{"apiName":"Account","fields":{"Name":"New Co"}}`)

	f.process(t)

	canonical := f.env.CanonicalID(draftRep.ID)
	require.NotEqual(t, draftRep.ID, canonical)
	assert.False(t, f.env.Objects().IsDraftID(canonical))

	mapped, ok, err := f.env.Mappings().Lookup(ctx, record.Key(draftRep.ID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.Key(canonical), mapped)

	assert.Nil(t, f.durableRecord(t, draftRep.ID), "draft copy removed")
	persisted, err := f.env.readDurable(ctx, record.Key(canonical))
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Nil(t, persisted.Drafts)

	resp, err := f.env.Dispatch(ctx, transport.GetRecordRequest(draftRep.ID, nil, nil))
	require.NoError(t, err)
	assert.False(t, resp.Synthetic)
	got := decodeRecord(t, resp)
	assert.Equal(t, canonical, got.ID)
	assert.Equal(t, ir.String("New Co"), got.Fields["Name"].Value)

	reqs := f.upstream.Requests()
	assert.Equal(t, transport.RecordPath(canonical), reqs[len(reqs)-1].Path)
}

func TestUpdate_OverlaysEditAndRemembersServerValue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.env.Dispatch(ctx, transport.GetRecordRequest("001A", nil, nil))
	require.NoError(t, err)

	resp, err := f.env.Dispatch(ctx, patchRequest("001A", `{"fields":{"Name":"Beta"}}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.Synthetic)
	rep := decodeRecord(t, resp)
	assert.Equal(t, ir.String("Beta"), rep.Fields["Name"].Value)
	assert.Equal(t, ir.String("Hot"), rep.Fields["Rating"].Value)
	require.NotNil(t, rep.Drafts)
	assert.True(t, rep.Drafts.Edited)
	assert.Equal(t, ir.String("Acme"), rep.Drafts.ServerValues["Name"].Value)

	f.process(t)

	snap := f.env.LookupRecord("001A")
	require.Equal(t, graph.Fulfilled, snap.State)
	assert.Equal(t, ir.String("Beta"), snap.Data.Fields["Name"].Value)
	assert.Nil(t, snap.Data.Drafts)
	assert.Equal(t, int64(2), snap.Data.WeakEtag)
}

func TestUpdate_OfDraftRecordUploadsAgainstCanonicalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draftRep := f.create(t, `{"apiName":"Account","fields":{"Name":"New Co"}}`)

	resp, err := f.env.Dispatch(ctx, patchRequest(draftRep.ID, `{"fields":{"Name":"Renamed"}}`))
	require.NoError(t, err)
	rep := decodeRecord(t, resp)
	assert.Equal(t, ir.String("Renamed"), rep.Fields["Name"].Value)
	assert.True(t, rep.Drafts.Created)
	assert.True(t, rep.Drafts.Edited)
	assert.Len(t, rep.Drafts.DraftActionIDs, 2)

	f.process(t)
	f.process(t)

	canonical := f.env.CanonicalID(draftRep.ID)
	reqs := f.upstream.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, transport.RecordPath(canonical), reqs[1].Path)

	server, ok := f.upstream.Record(canonical)
	require.True(t, ok)
	assert.Equal(t, ir.String("Renamed"), server.Fields["Name"].Value)
}

func TestUpload_RewritesDraftReferencesInBody(t *testing.T) {
	f := newFixture(t)
	account := f.create(t, `{"apiName":"Account","fields":{"Name":"Parent"}}`)
	contact := f.create(t, `{"apiName":"Contact","fields":{"LastName":"Doe","AccountId":"`+account.ID+`"}}`)
	assert.Equal(t, ir.String(account.ID), contact.Fields["AccountId"].Value)

	f.process(t)
	f.process(t)

	accountID := f.env.CanonicalID(account.ID)
	contactID := f.env.CanonicalID(contact.ID)
	server, ok := f.upstream.Record(contactID)
	require.True(t, ok)
	assert.Equal(t, ir.String(accountID), server.Fields["AccountId"].Value)
}

func TestDelete_StoreEvictKeepsDurableCopyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.env.Dispatch(ctx, transport.GetRecordRequest("001A", nil, nil))
	require.NoError(t, err)

	resp, err := f.env.Dispatch(ctx, &transport.Request{Method: http.MethodDelete, Path: transport.RecordPath("001A")})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.True(t, resp.Synthetic)
	require.True(t, f.durableRecord(t, "001A").Drafts.Deleted)

	require.NoError(t, f.env.StoreEvict(ctx, record.Key("001A")))
	assert.Equal(t, graph.Unfulfilled, f.env.LookupRecord("001A").State)
	assert.NotNil(t, f.durableRecord(t, "001A"), "durable copy kept while the delete is queued")

	require.NoError(t, f.env.StoreEvict(ctx, record.Key("001A")))
	assert.Nil(t, f.durableRecord(t, "001A"))
}

func TestDelete_CompletionRemovesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.env.Dispatch(ctx, transport.GetRecordRequest("001A", nil, nil))
	require.NoError(t, err)
	_, err = f.env.Dispatch(ctx, &transport.Request{Method: http.MethodDelete, Path: transport.RecordPath("001A")})
	require.NoError(t, err)

	f.process(t)

	_, ok := f.upstream.Record("001A")
	assert.False(t, ok)
	assert.Nil(t, f.durableRecord(t, "001A"))
	assert.Equal(t, graph.Unfulfilled, f.env.LookupRecord("001A").State)
}

func TestRemoveDraftAction_RollsBackOverlay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.env.Dispatch(ctx, transport.GetRecordRequest("001A", nil, nil))
	require.NoError(t, err)
	_, err = f.env.Dispatch(ctx, patchRequest("001A", `{"fields":{"Name":"Beta"}}`))
	require.NoError(t, err)

	actions, err := f.env.Queue().GetQueueActions(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.NoError(t, f.env.Queue().RemoveDraftAction(ctx, actions[0].ID))

	snap := f.env.LookupRecord("001A")
	require.Equal(t, graph.Fulfilled, snap.State)
	assert.Equal(t, ir.String("Acme"), snap.Data.Fields["Name"].Value)
	assert.Nil(t, snap.Data.Drafts)
	assert.Nil(t, f.durableRecord(t, "001A").Drafts)
}

func TestGetRecords_MixesCanonicalAndDraftInRequestOrder(t *testing.T) {
	f := newFixture(t)
	draftRep := f.create(t, `{"apiName":"Account","fields":{"Name":"New Co"}}`)

	resp, err := f.env.Dispatch(context.Background(), transport.GetRecordsRequest([]string{draftRep.ID, "001A"}, nil, nil))
	require.NoError(t, err)
	var body transport.BatchResponse
	require.NoError(t, resp.DecodeBody(&body))
	require.Len(t, body.Results, 2)
	assert.Equal(t, draftRep.ID, body.Results[0].Result.ID)
	assert.Equal(t, "001A", body.Results[1].Result.ID)

	reqs := f.upstream.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, transport.BatchPath([]string{"001A"}), reqs[0].Path)
}

func TestGetRecords_RetriesWhenDraftMappedInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	draftRep := f.create(t, `{"apiName":"Account","fields":{"Name":"New Co"}}`)

	var once sync.Once
	f.upstream.SetHook(func(ctx context.Context, req *transport.Request) {
		if endpoint, _ := transport.ClassifyRecordRequest(req); endpoint != transport.EndpointGetBatch {
			return
		}
		once.Do(func() { f.process(t) })
	})

	resp, err := f.env.Dispatch(ctx, transport.GetRecordsRequest([]string{"001A", draftRep.ID}, nil, nil))
	require.NoError(t, err)
	var body transport.BatchResponse
	require.NoError(t, resp.DecodeBody(&body))

	canonical := f.env.CanonicalID(draftRep.ID)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "001A", body.Results[0].Result.ID)
	assert.Equal(t, canonical, body.Results[1].Result.ID)
	assert.Nil(t, body.Results[1].Result.Drafts)

	var batches []string
	for _, r := range f.upstream.Requests() {
		if endpoint, _ := transport.ClassifyRecordRequest(r); endpoint == transport.EndpointGetBatch {
			batches = append(batches, r.Path)
		}
	}
	assert.Equal(t, []string{
		transport.BatchPath([]string{"001A"}),
		transport.BatchPath([]string{"001A", canonical}),
	}, batches)
}

func TestBadRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *transport.Request
	}{
		{"create without body", createRequest("")},
		{"create malformed body", createRequest(`{`)},
		{"create without apiName", createRequest(`{"fields":{}}`)},
		{"create without fields", createRequest(`{"apiName":"Account"}`)},
		{"create unknown apiName", createRequest(`{"apiName":"Widget","fields":{}}`)},
		{"update without fields", patchRequest("001A", `{"fields":{}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.env.Dispatch(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, transport.IsBadRequest(err), "got %v", err)
		})
	}

	actions, err := f.env.Queue().GetQueueActions(ctx)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestGetUnknownDraft_DraftSynthesisError(t *testing.T) {
	f := newFixture(t)
	_, err := f.env.Dispatch(context.Background(), transport.GetRecordRequest("001DRAFTabcdefghij", nil, nil))
	require.Error(t, err)
	assert.True(t, transport.IsDraftSynthesis(err))
	assert.Empty(t, f.upstream.Requests())
}

func TestRestart_RestoresMappingsAndServesDrafts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mapped := f.create(t, `{"apiName":"Account","fields":{"Name":"Mapped"}}`)
	f.process(t)
	pending := f.create(t, `{"apiName":"Account","fields":{"Name":"Pending"}}`)
	canonical := f.env.CanonicalID(mapped.ID)
	f.env.Close()

	env := f.open(t)
	assert.Equal(t, canonical, env.CanonicalID(mapped.ID))

	snap := env.LookupRecord(pending.ID)
	require.Equal(t, graph.Unfulfilled, snap.State)
	resp, err := env.ResolveUnfulfilledSnapshot(ctx, transport.GetRecordRequest(pending.ID, nil, nil), snap)
	require.NoError(t, err)
	rep := decodeRecord(t, resp)
	assert.Equal(t, ir.String("Pending"), rep.Fields["Name"].Value)
	assert.True(t, rep.Drafts.Created)
}

func TestNetworkRead_MergesAndPersists(t *testing.T) {
	f := newFixture(t)
	resp, err := f.env.Dispatch(context.Background(), transport.GetRecordRequest("001A", []string{"Account.Name"}, nil))
	require.NoError(t, err)
	assert.False(t, resp.Synthetic)
	rep := decodeRecord(t, resp)
	assert.Equal(t, ir.String("Acme"), rep.Fields["Name"].Value)

	persisted := f.durableRecord(t, "001A")
	require.NotNil(t, persisted)
	assert.Contains(t, persisted.Fields, "Name")
	assert.NotContains(t, persisted.Fields, "Rating")
}

// flakyStore fails writes to one segment while failing is set.
type flakyStore struct {
	*durable.MemoryStore
	segment durable.Segment

	mu      sync.Mutex
	failing bool
}

var errFlakyWrite = errors.New("disk full")

func newFlakyStore(segment durable.Segment) *flakyStore {
	return &flakyStore{MemoryStore: durable.NewMemoryStore(nil), segment: segment}
}

func (s *flakyStore) setFailing(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = on
}

func (s *flakyStore) fails(segment durable.Segment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failing && segment == s.segment
}

func (s *flakyStore) SetEntries(ctx context.Context, entries map[string]durable.Entry, segment durable.Segment) error {
	if s.fails(segment) {
		return errFlakyWrite
	}
	return s.MemoryStore.SetEntries(ctx, entries, segment)
}

func (s *flakyStore) BatchOperations(ctx context.Context, ops []durable.Operation) error {
	for _, op := range ops {
		if s.fails(op.Segment) {
			return errFlakyWrite
		}
	}
	return s.MemoryStore.BatchOperations(ctx, ops)
}

func TestRestart_StoreEvictKeepsDurableCopyOfQueuedDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.env.Dispatch(ctx, transport.GetRecordRequest("001A", nil, nil))
	require.NoError(t, err)
	_, err = f.env.Dispatch(ctx, &transport.Request{Method: http.MethodDelete, Path: transport.RecordPath("001A")})
	require.NoError(t, err)
	f.env.Close()

	f.env = f.open(t)
	require.NoError(t, f.env.StoreEvict(ctx, record.Key("001A")))
	assert.NotNil(t, f.durableRecord(t, "001A"), "delete still queued after restart")

	require.NoError(t, f.env.StoreEvict(ctx, record.Key("001A")))
	assert.Nil(t, f.durableRecord(t, "001A"))
}

func TestDelete_EnqueueFailureClearsPendingDelete(t *testing.T) {
	store := newFlakyStore(durable.SegmentDraftActions)
	f := newFixtureWithStore(t, store)
	ctx := context.Background()
	_, err := f.env.Dispatch(ctx, transport.GetRecordRequest("001A", nil, nil))
	require.NoError(t, err)

	store.setFailing(true)
	_, err = f.env.Dispatch(ctx, &transport.Request{Method: http.MethodDelete, Path: transport.RecordPath("001A")})
	require.Error(t, err)
	assert.True(t, transport.IsInternal(err), "got %v", err)

	f.env.deleteMu.Lock()
	assert.Empty(t, f.env.pendingDeletes)
	f.env.deleteMu.Unlock()

	// Nothing is queued, so eviction removes the durable copy too.
	require.NoError(t, f.env.StoreEvict(ctx, record.Key("001A")))
	assert.Nil(t, f.durableRecord(t, "001A"))
}

func TestUpdate_EnqueueFailureRestoresLiveRecord(t *testing.T) {
	store := newFlakyStore(durable.SegmentDraftActions)
	f := newFixtureWithStore(t, store)
	ctx := context.Background()
	_, err := f.env.Dispatch(ctx, transport.GetRecordRequest("001A", nil, nil))
	require.NoError(t, err)
	require.Equal(t, graph.Fulfilled, f.env.LookupRecord("001A").State)

	store.setFailing(true)
	_, err = f.env.Dispatch(ctx, patchRequest("001A", `{"fields":{"Name":"Beta"}}`))
	require.Error(t, err)
	assert.True(t, transport.IsInternal(err), "got %v", err)

	snap := f.env.LookupRecord("001A")
	require.Equal(t, graph.Fulfilled, snap.State)
	assert.Equal(t, ir.String("Acme"), snap.Data.Fields["Name"].Value)
	assert.Nil(t, snap.Data.Drafts)
}

func TestGetRecords_GivesUpWhenDraftsKeepGettingMapped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := []string{"001A"}
	for _, name := range []string{"One", "Two", "Three"} {
		rep := f.create(t, `{"apiName":"Account","fields":{"Name":"`+name+`"}}`)
		ids = append(ids, rep.ID)
	}

	// Every batch round trip uploads the next create, so one more draft id
	// is mapped each time the read looks.
	f.upstream.SetHook(func(ctx context.Context, req *transport.Request) {
		endpoint, batchIDs := transport.ClassifyRecordRequest(req)
		if endpoint != transport.EndpointGetBatch || len(batchIDs) == 0 || batchIDs[0] != "001A" {
			return
		}
		f.process(t)
	})

	_, err := f.env.Dispatch(ctx, transport.GetRecordsRequest(ids, nil, nil))
	require.Error(t, err)
	assert.True(t, transport.IsInternal(err), "got %v", err)

	var batches int
	for _, r := range f.upstream.Requests() {
		if endpoint, _ := transport.ClassifyRecordRequest(r); endpoint == transport.EndpointGetBatch {
			batches++
		}
	}
	assert.Equal(t, MaxBatchRetries, batches)
}

func TestGetRecord_UnregisteredDraftShapeGoesUpstream(t *testing.T) {
	f := newFixture(t)
	_, err := f.env.Dispatch(context.Background(), transport.GetRecordRequest("999DRAFT0000000001", nil, nil))
	require.Error(t, err)
	assert.False(t, transport.IsDraftSynthesis(err), "got %v", err)
	assert.Equal(t, http.StatusNotFound, transport.StatusOf(err))
	assert.Len(t, f.upstream.Requests(), 1)
}

func TestRecordFetcher_GetRecordsGroupsByFieldSet(t *testing.T) {
	f := newFixture(t)
	f.upstream.Seed(&record.Representation{ID: "001B", APIName: "Account", WeakEtag: 1, Fields: map[string]record.FieldValue{
		"Name": record.Scalar(ir.String("Beta")),
	}})
	f.upstream.Seed(&record.Representation{ID: "003A", APIName: "Contact", WeakEtag: 1, Fields: map[string]record.FieldValue{
		"LastName": record.Scalar(ir.String("Lee")),
	}})

	fetcher := &RecordFetcher{env: f.env}
	err := fetcher.GetRecords(context.Background(), merge.GetRecordsConfig{Records: []merge.RecordsRequest{
		{RecordIDs: []string{"001A"}, OptionalFields: []string{"Account.Rating", "Account.Name"}},
		{RecordIDs: []string{"003A"}, OptionalFields: []string{"Contact.LastName"}},
		{RecordIDs: []string{"001B"}, OptionalFields: []string{"Account.Name", "Account.Rating"}},
	}})
	require.NoError(t, err)

	reqs := f.upstream.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, transport.BatchPath([]string{"001A", "001B"}), reqs[0].Path)
	assert.Equal(t, []string{"Account.Name", "Account.Rating"}, reqs[0].QueryList("optionalFields"))
	assert.Equal(t, transport.BatchPath([]string{"003A"}), reqs[1].Path)
	assert.Equal(t, []string{"Contact.LastName"}, reqs[1].QueryList("optionalFields"))
}
