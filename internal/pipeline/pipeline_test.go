package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

type fakeRelated func(seed string) ([]harvest.Candidate, error)

func (f fakeRelated) FetchRelated(_ context.Context, seed string) ([]harvest.Candidate, error) {
	return f(seed)
}

type fakeDocs func(term string) (harvest.ChannelCounts, error)

func (f fakeDocs) FetchDocumentCounts(_ context.Context, term string) (harvest.ChannelCounts, error) {
	return f(term)
}

func newPipeline(related fakeRelated, docs fakeDocs) *Pipeline {
	return New(related, docs, harvest.NewDenylist(nil), Config{DocFanout: 2}, zap.NewNop())
}

func TestHarvestFiltersAndClassifies(t *testing.T) {
	t.Parallel()

	related := fakeRelated(func(string) ([]harvest.Candidate, error) {
		return []harvest.Candidate{
			{Term: "캠핑 의자", PCVolume: 100, MobileVolume: 400},   // normalized, kept
			{Term: "약한용어", PCVolume: 10, MobileVolume: 40},      // below min volume
			{Term: "카지노캠핑", PCVolume: 5000, MobileVolume: 5000}, // denylisted
			{Term: "   ", PCVolume: 900, MobileVolume: 100},      // blank after normalize
			{Term: "캠핑테이블", PCVolume: 300, MobileVolume: 700},   // kept, higher volume
		}, nil
	})
	docs := fakeDocs(func(string) (harvest.ChannelCounts, error) {
		return harvest.ChannelCounts{Blog: 50, Cafe: 30, Web: 20}, nil
	})

	res, err := newPipeline(related, docs).Harvest(context.Background(), "캠핑", Options{MinVolume: 100})
	require.NoError(t, err)

	assert.Equal(t, 5, res.Related)
	assert.Equal(t, 3, res.Filtered)
	require.Len(t, res.Items, 2)

	// sorted by volume descending
	assert.Equal(t, "캠핑테이블", res.Items[0].Term)
	assert.Equal(t, "캠핑의자", res.Items[1].Term)

	// 1000 volume over 100 viewable docs: no scarce-doc boost at 100
	assert.InDelta(t, 10.0, res.Items[0].Ratio, 1e-9)
	assert.Equal(t, harvest.TierGold, res.Items[0].Tier)
	assert.True(t, res.Items[0].Docs.Fetched())
	assert.Equal(t, harvest.ExpansionPending, res.Items[0].Expansion)
}

func TestHarvestSkipDocFetchDefersEverything(t *testing.T) {
	t.Parallel()

	related := fakeRelated(func(string) ([]harvest.Candidate, error) {
		return []harvest.Candidate{
			{Term: "하나", PCVolume: 100, MobileVolume: 100},
			{Term: "둘", PCVolume: 200, MobileVolume: 200},
		}, nil
	})
	docs := fakeDocs(func(string) (harvest.ChannelCounts, error) {
		t.Error("doc counts must not be fetched")
		return harvest.ChannelCounts{}, nil
	})

	res, err := newPipeline(related, docs).Harvest(context.Background(), "seed", Options{SkipDocFetch: true})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Deferred)
	require.Len(t, res.Items, 2)
	for _, item := range res.Items {
		assert.Equal(t, harvest.TierUnranked, item.Tier)
		assert.False(t, item.Docs.Fetched())
	}
}

func TestHarvestDocFetchLimitSplitsBatch(t *testing.T) {
	t.Parallel()

	var lookups atomic.Int32
	related := fakeRelated(func(string) ([]harvest.Candidate, error) {
		return []harvest.Candidate{
			{Term: "가", PCVolume: 300, MobileVolume: 0},
			{Term: "나", PCVolume: 200, MobileVolume: 0},
			{Term: "다", PCVolume: 100, MobileVolume: 0},
		}, nil
	})
	docs := fakeDocs(func(string) (harvest.ChannelCounts, error) {
		lookups.Add(1)
		return harvest.ChannelCounts{Blog: 10}, nil
	})

	res, err := newPipeline(related, docs).Harvest(context.Background(), "seed", Options{DocFetchLimit: 2})
	require.NoError(t, err)

	assert.Equal(t, int32(2), lookups.Load())
	assert.Equal(t, 2, res.Enriched)
	assert.Equal(t, 1, res.Deferred)
	require.Len(t, res.Items, 3)
}

func TestHarvestDocFailureDegradesToUnclassified(t *testing.T) {
	t.Parallel()

	related := fakeRelated(func(string) ([]harvest.Candidate, error) {
		return []harvest.Candidate{
			{Term: "성공", PCVolume: 500, MobileVolume: 0},
			{Term: "실패", PCVolume: 400, MobileVolume: 0},
		}, nil
	})
	docs := fakeDocs(func(term string) (harvest.ChannelCounts, error) {
		if term == "실패" {
			return harvest.ChannelCounts{}, errors.New("timeout")
		}
		return harvest.ChannelCounts{Blog: 100}, nil
	})

	res, err := newPipeline(related, docs).Harvest(context.Background(), "seed", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Enriched)
	assert.Equal(t, 1, res.DocFailures)
	require.Len(t, res.Items, 2)

	byTerm := map[string]harvest.Record{}
	for _, item := range res.Items {
		byTerm[item.Term] = item
	}
	assert.Equal(t, harvest.TierSilver, byTerm["성공"].Tier)
	assert.Equal(t, harvest.TierUnranked, byTerm["실패"].Tier)
	assert.False(t, byTerm["실패"].Docs.Fetched())
}

func TestHarvestRelatedErrorIsTerminal(t *testing.T) {
	t.Parallel()

	upstream := errors.New("upstream down")
	related := fakeRelated(func(string) ([]harvest.Candidate, error) { return nil, upstream })
	docs := fakeDocs(func(string) (harvest.ChannelCounts, error) { return harvest.ChannelCounts{}, nil })

	_, err := newPipeline(related, docs).Harvest(context.Background(), "seed", Options{})
	assert.ErrorIs(t, err, upstream)
}

func TestHarvestMaxCandidatesTruncates(t *testing.T) {
	t.Parallel()

	related := fakeRelated(func(string) ([]harvest.Candidate, error) {
		return []harvest.Candidate{
			{Term: "가", PCVolume: 100, MobileVolume: 0},
			{Term: "나", PCVolume: 300, MobileVolume: 0},
			{Term: "다", PCVolume: 200, MobileVolume: 0},
		}, nil
	})
	docs := fakeDocs(func(string) (harvest.ChannelCounts, error) {
		return harvest.ChannelCounts{Blog: 10}, nil
	})

	res, err := newPipeline(related, docs).Harvest(context.Background(), "seed",
		Options{MaxCandidates: 2, SkipDocFetch: true})
	require.NoError(t, err)

	require.Len(t, res.Items, 2)
	assert.Equal(t, "나", res.Items[0].Term)
	assert.Equal(t, "다", res.Items[1].Term)
}
