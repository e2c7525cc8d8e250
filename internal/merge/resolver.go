package merge

import (
	"context"
	"log/slog"
	"sync"
)

// GetRecordConfig asks for one record. OptionalFields are qualified paths
// ("Account.Name").
type GetRecordConfig struct {
	RecordID       string
	OptionalFields []string
}

// RecordsRequest is one sub-request of a batch fetch.
type RecordsRequest struct {
	RecordIDs      []string
	OptionalFields []string
}

// GetRecordsConfig asks for several records in one round trip.
type GetRecordsConfig struct {
	Records []RecordsRequest
}

// Fetcher issues record fetches. Implementations ingest what they receive;
// the resolver only cares whether the call failed.
type Fetcher interface {
	GetRecord(ctx context.Context, cfg GetRecordConfig) error
	GetRecords(ctx context.Context, cfg GetRecordsConfig) error
}

// Resolver turns a conflict map into the smallest set of fetches: nothing for
// an empty map, one single-record fetch for one entry, otherwise one batch.
// Fetches run in the background; Wait blocks until they are done.
type Resolver struct {
	fetcher Fetcher
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewResolver returns a resolver that fetches through f.
func NewResolver(f Fetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{fetcher: f, logger: logger}
}

// ResolveConflict schedules the fetches for m and returns immediately. The
// map's entries are captured before returning, so the caller may reuse it.
func (r *Resolver) ResolveConflict(ctx context.Context, m *ConflictMap) {
	entries := m.Entries()
	if len(entries) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.fetch(ctx, entries); err != nil {
			r.logger.Warn("conflict re-fetch failed",
				"records", len(entries),
				"error", err)
		}
	}()
}

func (r *Resolver) fetch(ctx context.Context, entries []ConflictEntry) error {
	if len(entries) == 1 {
		e := entries[0]
		r.logger.Debug("resolving conflict", "record_id", e.RecordID)
		return r.fetcher.GetRecord(ctx, GetRecordConfig{
			RecordID:       e.RecordID,
			OptionalFields: e.TrackedFields.Paths(),
		})
	}

	cfg := GetRecordsConfig{Records: make([]RecordsRequest, 0, len(entries))}
	for _, e := range entries {
		cfg.Records = append(cfg.Records, RecordsRequest{
			RecordIDs:      []string{e.RecordID},
			OptionalFields: e.TrackedFields.Paths(),
		})
	}
	r.logger.Debug("resolving conflicts in batch", "records", len(entries))
	return r.fetcher.GetRecords(ctx, cfg)
}

// Wait blocks until every scheduled fetch has returned.
func (r *Resolver) Wait() {
	r.wg.Wait()
}
