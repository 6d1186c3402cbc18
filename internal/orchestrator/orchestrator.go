// Package orchestrator runs batch harvests: claim work, fan out over bounded
// worker lanes, accumulate results in memory, and finalize with one deferred
// bulk write plus the matching state transitions.
package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/credential"
	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/metrics"
	"github.com/dhkim0920/termharvest/internal/pipeline"
	"github.com/dhkim0920/termharvest/internal/writer"
)

// Config carries the empirically tuned batch knobs. None of the specific
// values are load-bearing for correctness; all are configurable.
type Config struct {
	LaneMultiplier    int
	MaxLanes          int
	MaxRunDuration    time.Duration
	StartMargin       time.Duration
	LaneStagger       time.Duration
	JitterMin         time.Duration
	JitterMax         time.Duration
	ExpandTopClaim    int
	ExpandRandomClaim int
	DocFillClaim      int
	MinVolume         int
	DocFetchLimit     int
	MaxCandidates     int
	GraceWindow       time.Duration
	SeedFanout        int
}

func (c Config) withDefaults() Config {
	if c.LaneMultiplier <= 0 {
		c.LaneMultiplier = 2
	}
	if c.MaxLanes <= 0 {
		c.MaxLanes = 8
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = 110 * time.Second
	}
	if c.StartMargin <= 0 {
		c.StartMargin = 10 * time.Second
	}
	if c.LaneStagger < 0 {
		c.LaneStagger = 0
	}
	if c.JitterMax < c.JitterMin {
		c.JitterMax = c.JitterMin
	}
	if c.ExpandTopClaim <= 0 {
		c.ExpandTopClaim = 20
	}
	if c.ExpandRandomClaim < 0 {
		c.ExpandRandomClaim = 0
	}
	if c.DocFillClaim <= 0 {
		c.DocFillClaim = 300
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = time.Hour
	}
	if c.SeedFanout <= 0 {
		c.SeedFanout = 3
	}
	return c
}

// Options selects which tasks one batch run executes and overrides limits.
// All values are clamped to safe ranges.
type Options struct {
	Expand         bool
	FillDocs       bool
	ExpandLimit    int
	FillLimit      int
	Lanes          int
	MinVolume      int
	SkipDocFetch   bool
	MaxRunDuration time.Duration
}

// TaskReport summarizes one task inside a batch run.
type TaskReport struct {
	Claimed       int      `json:"claimed"`
	Processed     int      `json:"processed"`
	Succeeded     int      `json:"succeeded"`
	Failed        int      `json:"failed"`
	Skipped       int      `json:"skipped"`
	Inserted      int      `json:"inserted"`
	Updated       int      `json:"updated"`
	PoolExhausted bool     `json:"pool_exhausted,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// RunReport is the structured result of one batch run.
type RunReport struct {
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration"`
	Mode               harvest.Mode  `json:"mode"`
	ReclaimedExpansion int64         `json:"reclaimed_expansion"`
	ReclaimedDocFill   int64         `json:"reclaimed_doc_fill"`
	Expand             *TaskReport   `json:"expand,omitempty"`
	FillDocs           *TaskReport   `json:"fill_docs,omitempty"`
}

// PoolExhausted reports whether any task aborted on credential exhaustion.
func (r RunReport) PoolExhausted() bool {
	return (r.Expand != nil && r.Expand.PoolExhausted) ||
		(r.FillDocs != nil && r.FillDocs.PoolExhausted)
}

// maxErrorsReported bounds how many error strings one task report carries.
const maxErrorsReported = 5

// Orchestrator coordinates the claim queue, worker lanes, harvest pipeline
// and deferred writer for batch runs.
type Orchestrator struct {
	store       harvest.RecordStore
	settings    harvest.SettingsStore
	pipe        *pipeline.Pipeline
	docs        harvest.DocCountFetcher
	writer      *writer.BulkWriter
	relatedPool *credential.Pool
	docsPool    *credential.Pool
	reclaimer   *Reclaimer
	publisher   harvest.Publisher
	topic       string
	clock       harvest.Clock
	cfg         Config
	logger      *zap.Logger

	mu         sync.Mutex
	lastReport *RunReport
}

// New constructs an Orchestrator. publisher may be nil; run summaries are
// then only logged.
func New(
	store harvest.RecordStore,
	settings harvest.SettingsStore,
	pipe *pipeline.Pipeline,
	docs harvest.DocCountFetcher,
	bulkWriter *writer.BulkWriter,
	relatedPool *credential.Pool,
	docsPool *credential.Pool,
	publisher harvest.Publisher,
	topic string,
	clock harvest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		store:       store,
		settings:    settings,
		pipe:        pipe,
		docs:        docs,
		writer:      bulkWriter,
		relatedPool: relatedPool,
		docsPool:    docsPool,
		reclaimer:   NewReclaimer(store, cfg.GraceWindow, clock, logger),
		publisher:   publisher,
		topic:       topic,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}
}

// LastReport returns the most recent run report, if any.
func (o *Orchestrator) LastReport() *RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// PoolSummaries reports credential pool health for the status boundary.
func (o *Orchestrator) PoolSummaries() []credential.Summary {
	return []credential.Summary{o.relatedPool.Summary(), o.docsPool.Summary()}
}

// CacheSize reports how many terms the membership cache currently tracks.
func (o *Orchestrator) CacheSize() int {
	return o.writer.CacheSize()
}

// RunBatch executes one batch run: reclaim stuck work, then run the selected
// tasks under a single wall-clock deadline. Failures inside individual items
// never abort the run; partial results are always flushed.
func (o *Orchestrator) RunBatch(ctx context.Context, opts Options) RunReport {
	started := o.clock.Now()
	maxRun := o.cfg.MaxRunDuration
	if opts.MaxRunDuration > 0 && opts.MaxRunDuration < maxRun {
		maxRun = opts.MaxRunDuration
	}
	deadline := started.Add(maxRun)

	report := RunReport{StartedAt: started}

	reclaimedExp, reclaimedDocs, err := o.reclaimer.Run(ctx)
	if err != nil {
		o.logger.Error("stuck-work reclaim failed", zap.Error(err))
	}
	report.ReclaimedExpansion = reclaimedExp
	report.ReclaimedDocFill = reclaimedDocs

	mode, err := o.settings.OperatingMode(ctx)
	if err != nil {
		o.logger.Warn("read operating mode failed, assuming scheduled", zap.Error(err))
		mode = harvest.ModeScheduled
	}
	report.Mode = mode

	if opts.Expand {
		tr := o.runExpand(ctx, deadline, opts)
		report.Expand = tr
		metrics.ObserveBatchRun("expand", taskStatus(tr), o.clock.Now().Sub(started))
	}
	if opts.FillDocs {
		tr := o.runFillDocs(ctx, deadline, opts)
		report.FillDocs = tr
		metrics.ObserveBatchRun("fill_docs", taskStatus(tr), o.clock.Now().Sub(started))
	}

	report.Duration = o.clock.Now().Sub(started)
	o.mu.Lock()
	o.lastReport = &report
	o.mu.Unlock()

	o.publishReport(ctx, report)
	o.logger.Info("batch run finished",
		zap.Duration("duration", report.Duration),
		zap.String("mode", string(mode)),
		zap.Int64("reclaimed_expansion", reclaimedExp),
		zap.Int64("reclaimed_doc_fill", reclaimedDocs),
	)
	return report
}

func taskStatus(tr *TaskReport) string {
	switch {
	case tr.PoolExhausted:
		return "pool_exhausted"
	case tr.Failed > 0:
		return "partial"
	default:
		return "ok"
	}
}

// runExpand claims pending seeds (top-volume plus a random sample), expands
// each through the pipeline, and finalizes with one bulk write.
func (o *Orchestrator) runExpand(ctx context.Context, deadline time.Time, opts Options) *TaskReport {
	tr := &TaskReport{}

	topLimit := clampLimit(opts.ExpandLimit, o.cfg.ExpandTopClaim)
	claimed, err := o.store.ClaimExpansion(ctx, harvest.ClaimTopVolume, topLimit)
	if err != nil {
		tr.Errors = append(tr.Errors, err.Error())
		return tr
	}
	if o.cfg.ExpandRandomClaim > 0 {
		sample, err := o.store.ClaimExpansion(ctx, harvest.ClaimRandomSample, o.cfg.ExpandRandomClaim)
		if err != nil {
			tr.Errors = append(tr.Errors, err.Error())
		} else {
			claimed = mergeClaims(claimed, sample)
		}
	}
	tr.Claimed = len(claimed)
	if len(claimed) == 0 {
		return tr
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
		outMu   sync.Mutex
		items   []harvest.Record
		doneIDs []int64
		retryID []int64
		abort   atomic.Bool
	)

	lanes := o.laneCount(o.relatedPool.Size(), len(claimed), opts.Lanes)
	o.dispatch(ctx, deadline, lanes, claimed, &abort, func(item harvest.ClaimedItem) laneOutcome {
		res, err := o.pipe.Harvest(ctx, item.Term, pipeOpts)
		if err != nil {
			exhausted := errors.Is(err, credential.ErrPoolExhausted)
			if exhausted {
				abort.Store(true)
			}
			outMu.Lock()
			if exhausted {
				tr.PoolExhausted = true
			}
			retryID = append(retryID, item.ID)
			o.recordError(tr, err)
			outMu.Unlock()
			return outcomeFailed
		}
		outMu.Lock()
		items = append(items, res.Items...)
		doneIDs = append(doneIDs, item.ID)
		outMu.Unlock()
		return outcomeSucceeded
	}, func(item harvest.ClaimedItem) {
		outMu.Lock()
		retryID = append(retryID, item.ID)
		outMu.Unlock()
	}, tr)

	// FINALIZE: one deferred bulk write, then the state transitions. A
	// failed write demotes its seeds to retry so the rows are not lost.
	stats, werr := o.writer.BulkUpsert(ctx, items)
	tr.Inserted = stats.Inserted
	tr.Updated = stats.Updated
	if werr != nil {
		o.recordError(tr, werr)
		retryID = append(retryID, doneIDs...)
		doneIDs = nil
	}

	if err := o.store.SetExpansionState(ctx, doneIDs, harvest.ExpansionDone); err != nil {
		o.recordError(tr, err)
	}
	if err := o.store.SetExpansionState(ctx, retryID, harvest.ExpansionPending); err != nil {
		o.recordError(tr, err)
	}
	tr.Succeeded = len(doneIDs)
	return tr
}

// runFillDocs claims records missing document counts, fetches and classifies
// them, and finalizes with per-row updates plus sentinel rollback for
// everything that did not complete.
func (o *Orchestrator) runFillDocs(ctx context.Context, deadline time.Time, opts Options) *TaskReport {
	tr := &TaskReport{}

	limit := clampLimit(opts.FillLimit, o.cfg.DocFillClaim)
	claimed, err := o.store.ClaimDocFill(ctx, limit)
	if err != nil {
		tr.Errors = append(tr.Errors, err.Error())
		return tr
	}
	tr.Claimed = len(claimed)
	if len(claimed) == 0 {
		return tr
	}

	var (
		outMu   sync.Mutex
		results []harvest.DocResult
		resetID []int64
		abort   atomic.Bool
	)

	lanes := o.laneCount(o.docsPool.Size(), len(claimed), opts.Lanes)
	o.dispatch(ctx, deadline, lanes, claimed, &abort, func(item harvest.ClaimedItem) laneOutcome {
		counts, err := o.docs.FetchDocumentCounts(ctx, item.Term)
		if err != nil {
			exhausted := errors.Is(err, credential.ErrPoolExhausted)
			if exhausted {
				abort.Store(true)
			}
			outMu.Lock()
			if exhausted {
				tr.PoolExhausted = true
			}
			resetID = append(resetID, item.ID)
			o.recordError(tr, err)
			outMu.Unlock()
			return outcomeFailed
		}
		ratio, tier := harvest.Classify(item.TotalVolume, counts, true)
		outMu.Lock()
		results = append(results, harvest.DocResult{
			ID:     item.ID,
			Term:   item.Term,
			Counts: counts,
			Ratio:  ratio,
			Tier:   tier,
		})
		outMu.Unlock()
		return outcomeSucceeded
	}, func(item harvest.ClaimedItem) {
		outMu.Lock()
		resetID = append(resetID, item.ID)
		outMu.Unlock()
	}, tr)

	// FINALIZE. Rows that failed or were skipped must drop their in-flight
	// sentinel, or they become invisible to the eligibility query forever.
	if err := o.store.ApplyDocResults(ctx, results); err != nil {
		o.recordError(tr, err)
		for _, r := range results {
			resetID = append(resetID, r.ID)
		}
		results = nil
	}
	if err := o.store.ResetDocFill(ctx, resetID); err != nil {
		o.recordError(tr, err)
	}
	tr.Succeeded = len(results)
	return tr
}

type laneOutcome int

const (
	outcomeSucceeded laneOutcome = iota
	outcomeFailed
)

// dispatch runs claimed items over a bounded pool of worker lanes. Lanes
// start staggered to avoid a request burst at t=0 and sleep a short random
// jitter between items. Items reached after the deadline (minus the start
// margin) or after an abort are handed to onSkip instead of being started.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	deadline time.Time,
	lanes int,
	claimed []harvest.ClaimedItem,
	abort *atomic.Bool,
	process func(harvest.ClaimedItem) laneOutcome,
	onSkip func(harvest.ClaimedItem),
	tr *TaskReport,
) {
	itemCh := make(chan harvest.ClaimedItem)
	go func() {
		defer close(itemCh)
		for _, item := range claimed {
			itemCh <- item
		}
	}()

	var (
		wg        sync.WaitGroup
		countMu   sync.Mutex
		processed int
		failed    int
		skipped   int
	)
	for lane := 0; lane < lanes; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			o.sleep(ctx, time.Duration(lane)*o.cfg.LaneStagger)
			for item := range itemCh {
				if abort.Load() || ctx.Err() != nil || !o.clock.Now().Before(deadline.Add(-o.cfg.StartMargin)) {
					onSkip(item)
					countMu.Lock()
					skipped++
					countMu.Unlock()
					continue
				}
				metrics.IncActiveLanes()
				outcome := process(item)
				metrics.DecActiveLanes()
				countMu.Lock()
				processed++
				if outcome == outcomeFailed {
					failed++
				}
				countMu.Unlock()
				o.sleepJitter(ctx)
			}
		}(lane)
	}
	wg.Wait()

	tr.Processed = processed
	tr.Failed = failed
	tr.Skipped = skipped
}

func (o *Orchestrator) laneCount(poolSize, claimed, override int) int {
	lanes := poolSize * o.cfg.LaneMultiplier
	if override > 0 && override < lanes {
		lanes = override
	}
	if lanes > o.cfg.MaxLanes {
		lanes = o.cfg.MaxLanes
	}
	if claimed > 0 && lanes > claimed {
		lanes = claimed
	}
	if lanes < 1 {
		lanes = 1
	}
	return lanes
}

func (o *Orchestrator) recordError(tr *TaskReport, err error) {
	if len(tr.Errors) < maxErrorsReported {
		tr.Errors = append(tr.Errors, err.Error())
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (o *Orchestrator) sleepJitter(ctx context.Context) {
	if o.cfg.JitterMax <= 0 {
		return
	}
	span := o.cfg.JitterMax - o.cfg.JitterMin
	d := o.cfg.JitterMin
	if span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	o.sleep(ctx, d)
}

func (o *Orchestrator) publishReport(ctx context.Context, report RunReport) {
	if o.publisher == nil || o.topic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.topic, report); err != nil {
		o.logger.Warn("publish run report failed", zap.Error(err))
	}
}

func clampLimit(requested, def int) int {
	if requested <= 0 {
		return def
	}
	if requested > def {
		return def
	}
	return requested
}

func mergeClaims(a, b []harvest.ClaimedItem) []harvest.ClaimedItem {
	seen := make(map[int64]struct{}, len(a))
	for _, item := range a {
		seen[item.ID] = struct{}{}
	}
	for _, item := range b {
		if _, dup := seen[item.ID]; dup {
			continue
		}
		seen[item.ID] = struct{}{}
		a = append(a, item)
	}
	return a
}
