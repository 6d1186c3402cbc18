package harvest

import (
	"context"
	"time"
)

// ClaimShape selects how the claim query orders eligible rows.
type ClaimShape string

// Claim shapes. A batch run issues both and merges the results so that
// long-tail low-volume work is not starved by the top-volume ordering.
const (
	ClaimTopVolume    ClaimShape = "top_volume"
	ClaimRandomSample ClaimShape = "random_sample"
)

// RecordStore persists term records and drives the work-claim queue. Claim
// methods must be atomic: select, flip state, and return rows in one
// statement so concurrent claimers never overlap.
type RecordStore interface {
	// ClaimExpansion flips up to limit PENDING rows to IN_PROGRESS and
	// returns them.
	ClaimExpansion(ctx context.Context, shape ClaimShape, limit int) ([]ClaimedItem, error)
	// SetExpansionState bulk-moves claimed rows to a terminal or retry state.
	SetExpansionState(ctx context.Context, ids []int64, state ExpansionState) error
	// ClaimDocFill marks the document-count columns of up to limit eligible
	// rows as being fetched and returns them.
	ClaimDocFill(ctx context.Context, limit int) ([]ClaimedItem, error)
	// ResetDocFill rolls claimed document-count columns back to unfetched.
	ResetDocFill(ctx context.Context, ids []int64) error
	// ApplyDocResults writes fetched counts plus derived ratio and tier.
	ApplyDocResults(ctx context.Context, results []DocResult) error
	// UpsertRecords writes one chunk of records with per-column conflict
	// resolution (doc counts never regress to unfetched, non-positive
	// volumes never overwrite an existing row).
	UpsertRecords(ctx context.Context, records []Record) error
	// ReclaimExpansion resets IN_PROGRESS rows untouched since cutoff.
	ReclaimExpansion(ctx context.Context, cutoff time.Time) (int64, error)
	// ReclaimDocFill resets claimed doc-count columns untouched since cutoff.
	ReclaimDocFill(ctx context.Context, cutoff time.Time) (int64, error)
	// PageKeys returns natural keys after the given id, for cache bootstrap.
	PageKeys(ctx context.Context, afterID int64, limit int) ([]string, int64, error)
	// CountByState reports record counts for operational visibility.
	CountByState(ctx context.Context) (StateCounts, error)
}

// SettingsStore reads the single process-wide operating mode flag.
type SettingsStore interface {
	OperatingMode(ctx context.Context) (Mode, error)
}

// RelatedFetcher expands one seed term into candidate related terms.
type RelatedFetcher interface {
	FetchRelated(ctx context.Context, seed string) ([]Candidate, error)
}

// DocCountFetcher looks up per-channel document counts for one term.
type DocCountFetcher interface {
	FetchDocumentCounts(ctx context.Context, term string) (ChannelCounts, error)
}

// Publisher pushes run summaries to an event topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
