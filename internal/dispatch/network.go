package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/recordcache/internal/merge"
	"github.com/roach88/recordcache/internal/record"
	"github.com/roach88/recordcache/internal/transport"
)

// network is the base of the handler chain. It forwards to the upstream
// handler and merges the records of successful reads into the graph.
func (e *Environment) network(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	resp, err := e.upstream.Dispatch(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, transport.Upstream(resp.Status, string(resp.Body))
	}

	endpoint, ids := transport.ClassifyRecordRequest(req)
	switch endpoint {
	case transport.EndpointGet:
		var rep record.Representation
		if err := resp.DecodeBody(&rep); err != nil {
			return nil, transport.Internal(fmt.Errorf("decode record %s: %w", ids[0], err))
		}
		if _, err := e.ingest(ctx, &rep); err != nil {
			return nil, transport.Internal(err)
		}
		e.graph.Broadcast(ctx)
		if out, ok := snapshotResponse(e.LookupRecord(rep.ID, req.QueryList("fields")...)); ok {
			return out, nil
		}
		return resp, nil

	case transport.EndpointGetBatch:
		var body transport.BatchResponse
		if err := resp.DecodeBody(&body); err != nil {
			return nil, transport.Internal(fmt.Errorf("decode batch response: %w", err))
		}
		reps := make([]*record.Representation, 0, len(body.Results))
		for _, r := range body.Results {
			if r.StatusCode >= 200 && r.StatusCode < 300 && r.Result != nil {
				reps = append(reps, r.Result)
			}
		}
		if len(reps) > 0 {
			if _, err := e.ingest(ctx, reps...); err != nil {
				return nil, transport.Internal(err)
			}
			e.graph.Broadcast(ctx)
		}
	}
	return resp, nil
}

// upload sends a queued draft action upstream with any draft ids that have
// since been assigned canonical ids rewritten.
func (e *Environment) upload(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	rewritten, err := e.rewriteRequest(req)
	if err != nil {
		return nil, err
	}
	return e.upstream.Dispatch(ctx, rewritten)
}

// RecordFetcher serves the conflict resolver's re-fetches through the
// environment's network handler, so fetched records are merged and
// persisted like any other read.
type RecordFetcher struct {
	env *Environment
}

var _ merge.Fetcher = (*RecordFetcher)(nil)

// GetRecord fetches one record with cfg.OptionalFields.
func (f *RecordFetcher) GetRecord(ctx context.Context, cfg merge.GetRecordConfig) error {
	_, err := f.env.network(ctx, transport.GetRecordRequest(cfg.RecordID, nil, cfg.OptionalFields))
	if err != nil {
		return fmt.Errorf("get record %s: %w", cfg.RecordID, err)
	}
	return nil
}

// GetRecords fetches the requested records with one batch read per distinct
// set of optional fields, so each record is only asked for its own paths.
// Groups are read in the order they first appear.
func (f *RecordFetcher) GetRecords(ctx context.Context, cfg merge.GetRecordsConfig) error {
	type group struct {
		fields []string
		ids    []string
	}
	var groups []*group
	byFields := make(map[string]*group)
	seenID := make(map[string]bool)
	for _, r := range cfg.Records {
		fields := append([]string(nil), r.OptionalFields...)
		sort.Strings(fields)
		sig := strings.Join(fields, ",")
		g, ok := byFields[sig]
		if !ok {
			g = &group{fields: fields}
			byFields[sig] = g
			groups = append(groups, g)
		}
		for _, id := range r.RecordIDs {
			if !seenID[id] {
				seenID[id] = true
				g.ids = append(g.ids, id)
			}
		}
	}

	var errs []error
	for _, g := range groups {
		if len(g.ids) == 0 {
			continue
		}
		if _, err := f.env.network(ctx, transport.GetRecordsRequest(g.ids, nil, g.fields)); err != nil {
			errs = append(errs, fmt.Errorf("get records %v: %w", g.ids, err))
		}
	}
	return errors.Join(errs...)
}
