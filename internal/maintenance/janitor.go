// Package maintenance runs scheduled housekeeping over workspace state:
// pruning aged queue records and stale worktrees, refreshing disk gauges and
// requeueing jobs a crashed worker left in processing.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/skybridge-io/skybridge/internal/workspace"
)

const sweepTimeout = 5 * time.Minute

// Janitor owns the cron schedule and the sweep it triggers.
type Janitor struct {
	registry  *workspace.Registry
	schedule  string
	retention time.Duration
	cron      *cron.Cron
	logger    *zap.Logger
}

// NewJanitor builds a janitor over every registered workspace. Schedule is a
// cron expression; retention bounds how long terminal queue records and idle
// worktrees are kept.
func NewJanitor(registry *workspace.Registry, schedule string, retention time.Duration, logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		registry:  registry,
		schedule:  schedule,
		retention: retention,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		logger: logger.Named("janitor"),
	}
}

// Start registers the sweep on the schedule and starts the scheduler.
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		j.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started",
		zap.String("schedule", j.schedule),
		zap.Duration("retention", j.retention))
	return nil
}

// Stop halts the scheduler and waits for a running sweep, bounded by ctx.
func (j *Janitor) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		j.logger.Warn("janitor stop timed out with a sweep still running")
	}
}

// Sweep runs one housekeeping pass over every workspace. Each step degrades
// independently; a failing workspace never blocks the others.
func (j *Janitor) Sweep(ctx context.Context) {
	for _, ws := range j.registry.List() {
		log := j.logger.With(zap.String("workspace", ws.ID))

		pruned, err := ws.Queue.Prune(j.retention)
		if err != nil {
			log.Warn("queue prune failed", zap.Error(err))
		}

		recovered, err := ws.Queue.Recover()
		if err != nil {
			log.Warn("queue recovery failed", zap.Error(err))
		}

		removed, err := ws.Worktrees.Prune(ctx, j.retention)
		if err != nil {
			log.Warn("worktree prune failed", zap.Error(err))
		}

		ws.Queue.RefreshGauges()
		ws.Metrics.Inc("janitor_sweeps_total")

		if pruned > 0 || recovered > 0 || len(removed) > 0 {
			log.Info("sweep finished",
				zap.Int("records_pruned", pruned),
				zap.Int("jobs_recovered", recovered),
				zap.Strings("worktrees_removed", removed))
		}
	}
}
