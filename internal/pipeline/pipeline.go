// Package pipeline turns one seed term into an in-memory batch of classified
// candidate records. It performs no durable writes; persisting the batch is
// the caller's responsibility.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/metrics"
)

// Options bound one harvest call.
type Options struct {
	// DocFetchLimit caps how many survivors are enriched with document
	// counts; zero means all of them.
	DocFetchLimit int
	// SkipDocFetch saves every survivor unclassified, with no further
	// external calls. Used for cheap breadth-first expansion.
	SkipDocFetch bool
	// MinVolume drops candidates below this total search volume.
	MinVolume int
	// MaxCandidates truncates the sorted survivor list when positive.
	MaxCandidates int
}

// Result is the in-memory outcome of harvesting one seed.
type Result struct {
	Items       []harvest.Record
	Related     int
	Filtered    int
	Enriched    int
	Deferred    int
	DocFailures int
}

// Config controls pipeline-wide knobs.
type Config struct {
	// DocFanout bounds concurrent document-count lookups per seed.
	DocFanout int
}

// Pipeline fetches, filters, optionally enriches and classifies related
// terms for a single seed.
type Pipeline struct {
	related  harvest.RelatedFetcher
	docs     harvest.DocCountFetcher
	denylist *harvest.Denylist
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Pipeline.
func New(
	related harvest.RelatedFetcher,
	docs harvest.DocCountFetcher,
	denylist *harvest.Denylist,
	cfg Config,
	logger *zap.Logger,
) *Pipeline {
	if cfg.DocFanout <= 0 {
		cfg.DocFanout = 5
	}
	return &Pipeline{
		related:  related,
		docs:     docs,
		denylist: denylist,
		cfg:      cfg,
		logger:   logger,
	}
}

// Harvest expands seed into classified candidate records. An error from the
// related-term lookup is terminal for the seed and propagated unchanged; a
// failed document-count lookup only degrades that one term to unclassified.
func (p *Pipeline) Harvest(ctx context.Context, seed string, opts Options) (Result, error) {
	candidates, err := p.related.FetchRelated(ctx, seed)
	if err != nil {
		return Result{}, err
	}

	res := Result{Related: len(candidates)}
	survivors := p.filter(candidates, opts)
	res.Filtered = len(candidates) - len(survivors)

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].TotalVolume() > survivors[j].TotalVolume()
	})
	if opts.MaxCandidates > 0 && len(survivors) > opts.MaxCandidates {
		survivors = survivors[:opts.MaxCandidates]
	}

	if opts.SkipDocFetch {
		for _, cand := range survivors {
			res.Items = append(res.Items, deferredRecord(cand))
		}
		res.Deferred = len(survivors)
		metrics.ObserveHarvested(string(harvest.TierUnranked), res.Deferred)
		return res, nil
	}

	enrichCount := len(survivors)
	if opts.DocFetchLimit > 0 && opts.DocFetchLimit < enrichCount {
		enrichCount = opts.DocFetchLimit
	}
	enrichNow, saveOnly := survivors[:enrichCount], survivors[enrichCount:]

	enriched, failures := p.enrich(ctx, enrichNow)
	res.Items = append(res.Items, enriched...)
	res.Enriched = len(enriched) - failures
	res.DocFailures = failures

	for _, cand := range saveOnly {
		res.Items = append(res.Items, deferredRecord(cand))
	}
	res.Deferred = len(saveOnly)

	for _, item := range res.Items {
		metrics.ObserveHarvested(string(item.Tier), 1)
	}
	p.logger.Debug("seed harvested",
		zap.String("seed", seed),
		zap.Int("related", res.Related),
		zap.Int("enriched", res.Enriched),
		zap.Int("deferred", res.Deferred),
		zap.Int("doc_failures", res.DocFailures),
	)
	return res, nil
}

func (p *Pipeline) filter(candidates []harvest.Candidate, opts Options) []harvest.Candidate {
	out := make([]harvest.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		cand.Term = harvest.NormalizeTerm(cand.Term)
		if cand.Term == "" {
			continue
		}
		if cand.TotalVolume() < opts.MinVolume {
			continue
		}
		if p.denylist.Blocked(cand.Term) {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// enrich runs bounded-concurrency document-count lookups and classifies each
// result. A failed lookup degrades that term to an unclassified record
// instead of aborting the seed.
func (p *Pipeline) enrich(ctx context.Context, candidates []harvest.Candidate) ([]harvest.Record, int) {
	if len(candidates) == 0 {
		return nil, 0
	}

	var (
		mu       sync.Mutex
		items    = make([]harvest.Record, 0, len(candidates))
		failures int
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.DocFanout)
	for _, cand := range candidates {
		g.Go(func() error {
			counts, err := p.docs.FetchDocumentCounts(gCtx, cand.Term)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Warn("doc count fetch failed, saving unclassified",
					zap.String("term", cand.Term),
					zap.Error(err),
				)
				items = append(items, deferredRecord(cand))
				failures++
				return nil
			}
			ratio, tier := harvest.Classify(cand.TotalVolume(), counts, true)
			rec := baseRecord(cand)
			rec.Docs = counts.ToDocCounts()
			rec.Ratio = ratio
			rec.Tier = tier
			items = append(items, rec)
			return nil
		})
	}
	_ = g.Wait()
	return items, failures
}

func baseRecord(cand harvest.Candidate) harvest.Record {
	return harvest.Record{
		Term:         cand.Term,
		PCVolume:     cand.PCVolume,
		MobileVolume: cand.MobileVolume,
		TotalVolume:  cand.TotalVolume(),
		PCClicks:     cand.PCClicks,
		MobileClicks: cand.MobileClicks,
		PCCTR:        cand.PCCTR,
		MobileCTR:    cand.MobileCTR,
		CompIdx:      cand.CompIdx,
		Tier:         harvest.TierUnranked,
		Expansion:    harvest.ExpansionPending,
	}
}

func deferredRecord(cand harvest.Candidate) harvest.Record {
	return baseRecord(cand)
}

// String implements fmt.Stringer for log-friendly result summaries.
func (r Result) String() string {
	return fmt.Sprintf("items=%d related=%d filtered=%d enriched=%d deferred=%d doc_failures=%d",
		len(r.Items), r.Related, r.Filtered, r.Enriched, r.Deferred, r.DocFailures)
}
