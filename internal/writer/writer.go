// Package writer implements the deferred bulk writer: results accumulated in
// memory across a whole batch run are persisted in chunked upserts, using the
// membership cache to split new from existing rows without a storage read.
package writer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/cache"
	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/metrics"
)

// Stats reports one bulk write for observability.
type Stats struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Skipped  int `json:"skipped"`
}

// BulkWriter persists harvested records in fixed-size chunks.
type BulkWriter struct {
	cache     *cache.Membership
	store     harvest.RecordStore
	chunkSize int
	logger    *zap.Logger
}

// New constructs a BulkWriter.
func New(membership *cache.Membership, store harvest.RecordStore, chunkSize int, logger *zap.Logger) *BulkWriter {
	if chunkSize <= 0 {
		chunkSize = 500
	}
	return &BulkWriter{
		cache:     membership,
		store:     store,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// CacheSize reports how many natural keys the membership cache holds.
func (w *BulkWriter) CacheSize() int {
	return w.cache.Len()
}

// BulkUpsert deduplicates items by natural key, partitions new vs existing
// purely from the membership cache, and upserts in chunks. Keys from
// successfully committed chunks are added to the cache. A failed chunk is
// logged and counted but does not abort the remaining chunks; the first
// failure is reported in the returned error.
func (w *BulkWriter) BulkUpsert(ctx context.Context, items []harvest.Record) (Stats, error) {
	var stats Stats

	deduped := dedupe(items)
	eligible := make([]harvest.Record, 0, len(deduped))
	for _, rec := range deduped {
		// Zero-volume noise must never overwrite good data.
		if rec.TotalVolume <= 0 {
			stats.Skipped++
			continue
		}
		eligible = append(eligible, rec)
	}

	var (
		firstErr     error
		failedChunks int
	)
	for start := 0; start < len(eligible); start += w.chunkSize {
		end := start + w.chunkSize
		if end > len(eligible) {
			end = len(eligible)
		}
		chunk := eligible[start:end]

		var newKeys []string
		existing := 0
		for _, rec := range chunk {
			if w.cache.Has(rec.Term) {
				existing++
			} else {
				newKeys = append(newKeys, rec.Term)
			}
		}

		if err := w.store.UpsertRecords(ctx, chunk); err != nil {
			failedChunks++
			if firstErr == nil {
				firstErr = err
			}
			w.logger.Error("upsert chunk failed",
				zap.Int("rows", len(chunk)),
				zap.Error(err),
			)
			continue
		}

		w.cache.AddBatch(newKeys)
		stats.Inserted += len(newKeys)
		stats.Updated += existing
	}

	metrics.ObserveUpserts(stats.Inserted, stats.Updated)
	if firstErr != nil {
		return stats, fmt.Errorf("bulk upsert: %d chunk(s) failed: %w", failedChunks, firstErr)
	}
	return stats, nil
}

// dedupe collapses duplicate natural keys within one batch. Last write wins,
// except that an item carrying fetched document counts is never displaced by
// one without them.
func dedupe(items []harvest.Record) []harvest.Record {
	index := make(map[string]int, len(items))
	out := make([]harvest.Record, 0, len(items))
	for _, rec := range items {
		pos, seen := index[rec.Term]
		if !seen {
			index[rec.Term] = len(out)
			out = append(out, rec)
			continue
		}
		if out[pos].Docs.Fetched() && !rec.Docs.Fetched() {
			continue
		}
		out[pos] = rec
	}
	return out
}
