// Package harvest defines core types shared across subsystems.
package harvest

import "time"

// Tier is the discrete competitiveness classification of a term.
type Tier string

// Tier values, ordered from worst to best.
const (
	TierUnranked Tier = "unranked"
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Rank returns the ordinal position of the tier, UNRANKED being lowest.
func (t Tier) Rank() int {
	switch t {
	case TierBronze:
		return 1
	case TierSilver:
		return 2
	case TierGold:
		return 3
	case TierPlatinum:
		return 4
	default:
		return 0
	}
}

// ExpansionState tracks where a term sits in the related-term expansion queue.
type ExpansionState string

// Expansion state values persisted in the record store.
const (
	ExpansionPending    ExpansionState = "pending"
	ExpansionInProgress ExpansionState = "in_progress"
	ExpansionDone       ExpansionState = "done"
)

// DocCountState is the fetch state of a single channel document count.
type DocCountState int

// Document count states. A claimed-but-unfinished fetch is Fetching; it must
// never survive a completed batch run.
const (
	DocNotFetched DocCountState = iota
	DocFetching
	DocFetched
)

// DocCount is a tagged per-channel document count so that the "claimed"
// sentinel cannot be confused with a real value.
type DocCount struct {
	State DocCountState
	Count int
}

// FetchedDocCount wraps a real count returned by the document-count service.
func FetchedDocCount(n int) DocCount {
	return DocCount{State: DocFetched, Count: n}
}

// DocCounts holds the four per-channel document counts of a record.
type DocCounts struct {
	Blog DocCount
	Cafe DocCount
	Web  DocCount
	News DocCount
}

// Fetched reports whether every channel carries a real value.
func (d DocCounts) Fetched() bool {
	return d.Blog.State == DocFetched &&
		d.Cafe.State == DocFetched &&
		d.Web.State == DocFetched &&
		d.News.State == DocFetched
}

// ChannelCounts is the raw per-channel result of one document-count lookup.
type ChannelCounts struct {
	Blog int
	Cafe int
	Web  int
	News int
}

// ToDocCounts converts raw lookup results into fetched DocCounts.
func (c ChannelCounts) ToDocCounts() DocCounts {
	return DocCounts{
		Blog: FetchedDocCount(c.Blog),
		Cafe: FetchedDocCount(c.Cafe),
		Web:  FetchedDocCount(c.Web),
		News: FetchedDocCount(c.News),
	}
}

// Record is the harvested term persisted in the record store. Term is the
// natural key; a write that collides on it updates metrics instead of
// duplicating the row.
type Record struct {
	ID           int64          `json:"id"`
	Term         string         `json:"term"`
	PCVolume     int            `json:"pc_volume"`
	MobileVolume int            `json:"mobile_volume"`
	TotalVolume  int            `json:"total_volume"`
	PCClicks     float64        `json:"pc_clicks"`
	MobileClicks float64        `json:"mobile_clicks"`
	PCCTR        float64        `json:"pc_ctr"`
	MobileCTR    float64        `json:"mobile_ctr"`
	CompIdx      string         `json:"comp_idx"`
	Docs         DocCounts      `json:"-"`
	Ratio        float64        `json:"ratio"`
	Tier         Tier           `json:"tier"`
	Expansion    ExpansionState `json:"expansion_state"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Candidate is a related term returned by the external lookup, before
// filtering and persistence.
type Candidate struct {
	Term         string
	PCVolume     int
	MobileVolume int
	PCClicks     float64
	MobileClicks float64
	PCCTR        float64
	MobileCTR    float64
	CompIdx      string
}

// TotalVolume sums the per-channel monthly search volumes.
func (c Candidate) TotalVolume() int {
	return c.PCVolume + c.MobileVolume
}

// ClaimedItem identifies one row atomically claimed from the work queue.
type ClaimedItem struct {
	ID          int64
	Term        string
	TotalVolume int
}

// DocResult carries one enrichment outcome back to the store.
type DocResult struct {
	ID     int64
	Term   string
	Counts ChannelCounts
	Ratio  float64
	Tier   Tier
}

// Mode selects how batch runs are triggered.
type Mode string

// Operating modes stored in the settings store.
const (
	ModeScheduled  Mode = "scheduled"
	ModeContinuous Mode = "continuous"
)

// StateCounts summarizes record counts for operational reporting.
type StateCounts struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
	Done       int64 `json:"done"`
	DocsNull   int64 `json:"docs_unfetched"`
}
