package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/harvest"
	"github.com/dhkim0920/termharvest/internal/metrics"
)

// Reclaimer returns work abandoned by crashed or timed-out runs to an
// eligible state. Rows in flight longer than the grace window are assumed
// dead; the window must comfortably exceed the longest possible run.
type Reclaimer struct {
	store  harvest.RecordStore
	grace  time.Duration
	clock  harvest.Clock
	logger *zap.Logger
}

func NewReclaimer(store harvest.RecordStore, grace time.Duration, clock harvest.Clock, logger *zap.Logger) *Reclaimer {
	if grace <= 0 {
		grace = time.Hour
	}
	return &Reclaimer{store: store, grace: grace, clock: clock, logger: logger}
}

// Run sweeps both queues once and reports how many rows each recovered.
func (r *Reclaimer) Run(ctx context.Context) (expansion, docFill int64, err error) {
	cutoff := r.clock.Now().Add(-r.grace)

	expansion, expErr := r.store.ReclaimExpansion(ctx, cutoff)
	if expErr != nil {
		err = fmt.Errorf("reclaim expansion: %w", expErr)
	} else if expansion > 0 {
		metrics.ObserveReclaimed("expansion", expansion)
		r.logger.Warn("reclaimed stuck expansion work",
			zap.Int64("rows", expansion),
			zap.Time("cutoff", cutoff),
		)
	}

	docFill, docErr := r.store.ReclaimDocFill(ctx, cutoff)
	if docErr != nil {
		if err == nil {
			err = fmt.Errorf("reclaim doc fill: %w", docErr)
		}
	} else if docFill > 0 {
		metrics.ObserveReclaimed("doc_fill", docFill)
		r.logger.Warn("reclaimed stuck doc-fill work",
			zap.Int64("rows", docFill),
			zap.Time("cutoff", cutoff),
		)
	}
	return expansion, docFill, err
}
