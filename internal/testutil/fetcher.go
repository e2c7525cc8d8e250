package testutil

import (
	"context"
	"sync"

	"github.com/roach88/recordcache/internal/merge"
)

// RecordingFetcher implements merge.Fetcher by recording every request and
// returning Err.
type RecordingFetcher struct {
	mu      sync.Mutex
	Singles []merge.GetRecordConfig
	Batches []merge.GetRecordsConfig
	Err     error
}

// GetRecord records cfg.
func (f *RecordingFetcher) GetRecord(_ context.Context, cfg merge.GetRecordConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Singles = append(f.Singles, cfg)
	return f.Err
}

// GetRecords records cfg.
func (f *RecordingFetcher) GetRecords(_ context.Context, cfg merge.GetRecordsConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Batches = append(f.Batches, cfg)
	return f.Err
}

// Calls returns the number of fetches issued.
func (f *RecordingFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Singles) + len(f.Batches)
}
