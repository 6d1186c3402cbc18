package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	for i := 0; i < 50; i++ {
		store.Seed(harvest.Record{Term: fmt.Sprintf("용어%02d", i), TotalVolume: 100 + i})
	}

	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				items, err := store.ClaimExpansion(context.Background(), harvest.ClaimTopVolume, 7)
				if !assert.NoError(t, err) {
					return
				}
				if len(items) == 0 {
					return
				}
				mu.Lock()
				for _, item := range items {
					claimed[item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 50)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "row %d claimed more than once", id)
	}
}

func TestClaimExpansionTopVolumeOrder(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	store.Seed(
		harvest.Record{Term: "낮음", TotalVolume: 10},
		harvest.Record{Term: "높음", TotalVolume: 1000},
		harvest.Record{Term: "중간", TotalVolume: 100},
	)

	items, err := store.ClaimExpansion(context.Background(), harvest.ClaimTopVolume, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "높음", items[0].Term)
	assert.Equal(t, "중간", items[1].Term)

	// remaining row is still pending
	counts, err := store.CountByState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Pending)
	assert.Equal(t, int64(2), counts.InProgress)
}

func TestUpsertNeverRegressesFetchedDocs(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	classified := harvest.Record{
		Term:        "캠핑의자",
		TotalVolume: 400,
		Docs:        harvest.ChannelCounts{Blog: 10, Cafe: 5, Web: 5, News: 1}.ToDocCounts(),
		Ratio:       20,
		Tier:        harvest.TierPlatinum,
	}
	require.NoError(t, store.UpsertRecords(context.Background(), []harvest.Record{classified}))

	// a later write without doc counts updates volume but keeps docs and tier
	bare := harvest.Record{Term: "캠핑의자", TotalVolume: 500}
	require.NoError(t, store.UpsertRecords(context.Background(), []harvest.Record{bare}))

	got, ok := store.Get("캠핑의자")
	require.True(t, ok)
	assert.Equal(t, 500, got.TotalVolume)
	assert.True(t, got.Docs.Fetched())
	assert.Equal(t, harvest.TierPlatinum, got.Tier)
	assert.InDelta(t, 20.0, got.Ratio, 1e-9)
}

func TestUpsertIgnoresZeroVolumeForExistingRows(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	store.Seed(harvest.Record{Term: "캠핑의자", TotalVolume: 400})

	require.NoError(t, store.UpsertRecords(context.Background(),
		[]harvest.Record{{Term: "캠핑의자", TotalVolume: 0}}))

	got, _ := store.Get("캠핑의자")
	assert.Equal(t, 400, got.TotalVolume)
}

func TestDocFillLifecycle(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	store.Seed(harvest.Record{Term: "서울맛집", TotalVolume: 1000})

	items, err := store.ClaimDocFill(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// claimed rows are invisible to the next claimer
	again, err := store.ClaimDocFill(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, store.ApplyDocResults(context.Background(), []harvest.DocResult{{
		ID:     items[0].ID,
		Term:   items[0].Term,
		Counts: harvest.ChannelCounts{Blog: 100, Cafe: 50, Web: 50},
		Ratio:  5.0,
		Tier:   harvest.TierSilver,
	}}))

	got, _ := store.Get("서울맛집")
	assert.True(t, got.Docs.Fetched())
	assert.Equal(t, harvest.TierSilver, got.Tier)
	assert.Equal(t, 100, got.Docs.Blog.Count)
}

func TestResetDocFillRestoresEligibility(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	store.Seed(harvest.Record{Term: "서울맛집", TotalVolume: 1000})

	items, err := store.ClaimDocFill(context.Background(), 10)
	require.NoError(t, err)
	require.NoError(t, store.ResetDocFill(context.Background(), []int64{items[0].ID}))

	again, err := store.ClaimDocFill(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestReclaimRespectsCutoff(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	store.SetNowFunc(func() time.Time { return base.Add(-2 * time.Hour) })
	store.Seed(harvest.Record{Term: "오래된작업", TotalVolume: 100})
	_, err := store.ClaimExpansion(context.Background(), harvest.ClaimTopVolume, 1)
	require.NoError(t, err)

	store.SetNowFunc(func() time.Time { return base })
	store.Seed(harvest.Record{Term: "새작업", TotalVolume: 100})
	_, err = store.ClaimExpansion(context.Background(), harvest.ClaimTopVolume, 1)
	require.NoError(t, err)

	n, err := store.ReclaimExpansion(context.Background(), base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, _ := store.Get("오래된작업")
	assert.Equal(t, harvest.ExpansionPending, old.Expansion)
	fresh, _ := store.Get("새작업")
	assert.Equal(t, harvest.ExpansionInProgress, fresh.Expansion)
}

func TestPageKeysPaginates(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	for i := 1; i <= 5; i++ {
		store.Seed(harvest.Record{ID: int64(i), Term: fmt.Sprintf("용어%d", i), TotalVolume: i})
	}

	keys, last, err := store.PageKeys(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"용어1", "용어2"}, keys)
	assert.Equal(t, int64(2), last)

	keys, last, err = store.PageKeys(context.Background(), last, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"용어3", "용어4", "용어5"}, keys)
	assert.Equal(t, int64(5), last)
}

func TestOperatingModeFlag(t *testing.T) {
	t.Parallel()

	store := NewRecordStore()
	mode, err := store.OperatingMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, harvest.ModeScheduled, mode)

	store.SetMode(harvest.ModeContinuous)
	mode, err = store.OperatingMode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, harvest.ModeContinuous, mode)
}
