package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dhkim0920/termharvest/internal/harvest"
)

// Scheduler drives batch runs according to the operating mode stored in
// settings. In continuous mode it loops back-to-back runs with a short rest;
// in scheduled mode it stays idle and leaves triggering to the HTTP boundary.
// The mode is re-read every iteration so flipping it takes effect without a
// restart.
type Scheduler struct {
	orch     *Orchestrator
	settings harvest.SettingsStore
	rest     time.Duration
	poll     time.Duration
	backoff  time.Duration
	logger   *zap.Logger
}

// SchedulerConfig tunes the loop cadence. Zero values get safe defaults.
type SchedulerConfig struct {
	Rest    time.Duration // pause between continuous runs
	Poll    time.Duration // mode re-check interval while idle
	Backoff time.Duration // pause after credential exhaustion
}

func NewScheduler(orch *Orchestrator, settings harvest.SettingsStore, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	if cfg.Rest <= 0 {
		cfg.Rest = 5 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 30 * time.Second
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Minute
	}
	return &Scheduler{
		orch:     orch,
		settings: settings,
		rest:     cfg.Rest,
		poll:     cfg.Poll,
		backoff:  cfg.Backoff,
		logger:   logger,
	}
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.Duration("rest", s.rest),
		zap.Duration("poll", s.poll),
	)
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("scheduler stopped")
			return err
		}

		mode, err := s.settings.OperatingMode(ctx)
		if err != nil {
			s.logger.Warn("read operating mode failed", zap.Error(err))
			mode = harvest.ModeScheduled
		}
		if mode != harvest.ModeContinuous {
			s.wait(ctx, s.poll)
			continue
		}

		report := s.orch.RunBatch(ctx, Options{Expand: true, FillDocs: true})
		if report.PoolExhausted() {
			s.logger.Warn("all credentials cooling, backing off",
				zap.Duration("backoff", s.backoff),
			)
			s.wait(ctx, s.backoff)
			continue
		}
		s.wait(ctx, s.rest)
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
