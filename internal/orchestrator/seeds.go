package orchestrator

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/pipeline"
)

// SeedReport summarizes the harvest of one explicit seed term.
type SeedReport struct {
	Seed    string `json:"seed"`
	Related int    `json:"related"`
	Kept    int    `json:"kept"`
	Error   string `json:"error,omitempty"`
}

// SeedRunReport is the result of an on-demand seed harvest.
type SeedRunReport struct {
	Seeds    []SeedReport `json:"seeds"`
	Inserted int          `json:"inserted"`
	Updated  int          `json:"updated"`
}

// HarvestSeeds expands caller-supplied seed terms outside the claim queue,
// then persists everything with one bulk write. Seeds run concurrently up to
// the configured fan-out; one failing seed does not stop the others.
func (o *Orchestrator) HarvestSeeds(ctx context.Context, seeds []string, opts Options) (SeedRunReport, error) {
	report := SeedRunReport{Seeds: make([]SeedReport, len(seeds))}
	if len(seeds) == 0 {
		return report, nil
	}

	minVolume := o.cfg.MinVolume
	if opts.MinVolume > 0 {
		minVolume = opts.MinVolume
	}
	pipeOpts := pipeline.Options{
		DocFetchLimit: o.cfg.DocFetchLimit,
		SkipDocFetch:  opts.SkipDocFetch,
		MinVolume:     minVolume,
		MaxCandidates: o.cfg.MaxCandidates,
	}

	var (
		itemMu sync.Mutex
		items  []harvest.Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SeedFanout)
	for i, seed := range seeds {
		g.Go(func() error {
			res, err := o.pipe.Harvest(gctx, seed, pipeOpts)
			if err != nil {
				report.Seeds[i] = SeedReport{Seed: seed, Error: err.Error()}
				o.logger.Warn("seed harvest failed", zap.String("seed", seed), zap.Error(err))
				return nil
			}
			report.Seeds[i] = SeedReport{Seed: seed, Related: res.Related, Kept: len(res.Items)}
			itemMu.Lock()
			items = append(items, res.Items...)
			itemMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	stats, err := o.writer.BulkUpsert(ctx, items)
	report.Inserted = stats.Inserted
	report.Updated = stats.Updated
	return report, err
}
