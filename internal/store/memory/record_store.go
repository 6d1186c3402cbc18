// Package memory provides an in-memory record store for development and
// tests. Claim atomicity is guaranteed by a single mutex.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

// RecordStore implements harvest.RecordStore and harvest.SettingsStore in
// process memory.
type RecordStore struct {
	mu      sync.Mutex
	nextID  int64
	byTerm  map[string]*harvest.Record
	byID    map[int64]*harvest.Record
	mode    harvest.Mode
	nowFunc func() time.Time
}

// NewRecordStore constructs an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		nextID:  1,
		byTerm:  make(map[string]*harvest.Record),
		byID:    make(map[int64]*harvest.Record),
		mode:    harvest.ModeScheduled,
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock (for tests).
func (s *RecordStore) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFunc = f
}

// SetMode sets the operating mode flag.
func (s *RecordStore) SetMode(mode harvest.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

// Seed inserts records directly, bypassing upsert rules (for tests/dev).
func (s *RecordStore) Seed(records ...harvest.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		stored := rec
		if stored.ID == 0 {
			stored.ID = s.nextID
			s.nextID++
		} else if stored.ID >= s.nextID {
			s.nextID = stored.ID + 1
		}
		if stored.Expansion == "" {
			stored.Expansion = harvest.ExpansionPending
		}
		if stored.Tier == "" {
			stored.Tier = harvest.TierUnranked
		}
		s.byTerm[stored.Term] = &stored
		s.byID[stored.ID] = &stored
	}
}

// Get returns a copy of the record for the term, if present.
func (s *RecordStore) Get(term string) (harvest.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byTerm[term]
	if !ok {
		return harvest.Record{}, false
	}
	return *rec, true
}

// ClaimExpansion implements harvest.RecordStore.
func (s *RecordStore) ClaimExpansion(_ context.Context, shape harvest.ClaimShape, limit int) ([]harvest.ClaimedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*harvest.Record, 0)
	for _, rec := range s.byID {
		if rec.Expansion == harvest.ExpansionPending {
			eligible = append(eligible, rec)
		}
	}
	if shape == harvest.ClaimTopVolume {
		sort.Slice(eligible, func(i, j int) bool {
			return eligible[i].TotalVolume > eligible[j].TotalVolume
		})
	} else {
		sort.Slice(eligible, func(i, j int) bool {
			return eligible[i].ID < eligible[j].ID
		})
	}
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	now := s.nowFunc()
	out := make([]harvest.ClaimedItem, 0, len(eligible))
	for _, rec := range eligible {
		rec.Expansion = harvest.ExpansionInProgress
		rec.UpdatedAt = now
		out = append(out, harvest.ClaimedItem{ID: rec.ID, Term: rec.Term, TotalVolume: rec.TotalVolume})
	}
	return out, nil
}

// SetExpansionState implements harvest.RecordStore.
func (s *RecordStore) SetExpansionState(_ context.Context, ids []int64, state harvest.ExpansionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			rec.Expansion = state
			rec.UpdatedAt = now
		}
	}
	return nil
}

// ClaimDocFill implements harvest.RecordStore.
func (s *RecordStore) ClaimDocFill(_ context.Context, limit int) ([]harvest.ClaimedItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*harvest.Record, 0)
	for _, rec := range s.byID {
		if rec.Docs.Blog.State == harvest.DocNotFetched {
			eligible = append(eligible, rec)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].TotalVolume > eligible[j].TotalVolume
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	now := s.nowFunc()
	out := make([]harvest.ClaimedItem, 0, len(eligible))
	for _, rec := range eligible {
		fetching := harvest.DocCount{State: harvest.DocFetching}
		rec.Docs = harvest.DocCounts{Blog: fetching, Cafe: fetching, Web: fetching, News: fetching}
		rec.UpdatedAt = now
		out = append(out, harvest.ClaimedItem{ID: rec.ID, Term: rec.Term, TotalVolume: rec.TotalVolume})
	}
	return out, nil
}

// ResetDocFill implements harvest.RecordStore.
func (s *RecordStore) ResetDocFill(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			rec.Docs = harvest.DocCounts{}
			rec.UpdatedAt = now
		}
	}
	return nil
}

// ApplyDocResults implements harvest.RecordStore.
func (s *RecordStore) ApplyDocResults(_ context.Context, results []harvest.DocResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for _, r := range results {
		rec, ok := s.byID[r.ID]
		if !ok {
			continue
		}
		rec.Docs = r.Counts.ToDocCounts()
		rec.Ratio = r.Ratio
		rec.Tier = r.Tier
		rec.UpdatedAt = now
	}
	return nil
}

// UpsertRecords implements harvest.RecordStore with the same conflict rules
// as the Postgres store.
func (s *RecordStore) UpsertRecords(_ context.Context, records []harvest.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for _, rec := range records {
		existing, ok := s.byTerm[rec.Term]
		if !ok {
			stored := rec
			stored.ID = s.nextID
			s.nextID++
			if stored.Expansion == "" {
				stored.Expansion = harvest.ExpansionPending
			}
			stored.CreatedAt = now
			stored.UpdatedAt = now
			s.byTerm[stored.Term] = &stored
			s.byID[stored.ID] = &stored
			continue
		}
		if rec.TotalVolume <= 0 {
			continue
		}
		existing.PCVolume = rec.PCVolume
		existing.MobileVolume = rec.MobileVolume
		existing.TotalVolume = rec.TotalVolume
		existing.PCClicks = rec.PCClicks
		existing.MobileClicks = rec.MobileClicks
		existing.PCCTR = rec.PCCTR
		existing.MobileCTR = rec.MobileCTR
		existing.CompIdx = rec.CompIdx
		if rec.Docs.Fetched() {
			existing.Docs = rec.Docs
			existing.Ratio = rec.Ratio
			existing.Tier = rec.Tier
		}
		existing.UpdatedAt = now
	}
	return nil
}

// ReclaimExpansion implements harvest.RecordStore.
func (s *RecordStore) ReclaimExpansion(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.nowFunc()
	for _, rec := range s.byID {
		if rec.Expansion == harvest.ExpansionInProgress && rec.UpdatedAt.Before(cutoff) {
			rec.Expansion = harvest.ExpansionPending
			rec.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ReclaimDocFill implements harvest.RecordStore.
func (s *RecordStore) ReclaimDocFill(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.nowFunc()
	for _, rec := range s.byID {
		if rec.Docs.Blog.State == harvest.DocFetching && rec.UpdatedAt.Before(cutoff) {
			rec.Docs = harvest.DocCounts{}
			rec.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// PageKeys implements harvest.RecordStore.
func (s *RecordStore) PageKeys(_ context.Context, afterID int64, limit int) ([]string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.byID))
	for id := range s.byID {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	keys := make([]string, 0, len(ids))
	var lastID int64
	for _, id := range ids {
		keys = append(keys, s.byID[id].Term)
		lastID = id
	}
	return keys, lastID, nil
}

// CountByState implements harvest.RecordStore.
func (s *RecordStore) CountByState(_ context.Context) (harvest.StateCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var counts harvest.StateCounts
	for _, rec := range s.byID {
		switch rec.Expansion {
		case harvest.ExpansionPending:
			counts.Pending++
		case harvest.ExpansionInProgress:
			counts.InProgress++
		case harvest.ExpansionDone:
			counts.Done++
		}
		if rec.Docs.Blog.State == harvest.DocNotFetched {
			counts.DocsNull++
		}
	}
	return counts, nil
}

// OperatingMode implements harvest.SettingsStore.
func (s *RecordStore) OperatingMode(_ context.Context) (harvest.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, nil
}
