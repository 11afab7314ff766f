package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CallCloser marks calls that never finished as abandoned.
type CallCloser interface {
	AbandonStaleCalls(ctx context.Context, cutoff time.Time, keep []string) (int64, error)
}

// EventPruner deletes old call events.
type EventPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// ActiveIndex is the shared index of live calls across instances.
type ActiveIndex interface {
	PruneActive(ctx context.Context, cutoff time.Time) (int, error)
	LiveCallSids(ctx context.Context) ([]string, error)
}

// ReconcileConfig tunes the reconcile job. Zero values use defaults.
type ReconcileConfig struct {
	Interval   time.Duration // default 10m
	StaleAfter time.Duration // default 2h
	Retention  time.Duration // call event retention, default 30 days
}

// ReconcileJob cleans up after calls whose owning instance went away.
// It runs on an interval and:
// - Drops active-index entries older than StaleAfter
// - Closes stored calls that have no final result and are not live anywhere
// - Deletes call events past the retention window
type ReconcileJob struct {
	calls  CallCloser
	events EventPruner
	index  ActiveIndex
	live   func() []string
	cfg    ReconcileConfig
	logger *zap.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewReconcileJob creates a reconcile job. calls, events and index may be
// nil; live lists the calls served by this instance.
func NewReconcileJob(calls CallCloser, events EventPruner, index ActiveIndex, live func() []string, cfg ReconcileConfig, logger *zap.Logger) *ReconcileJob {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReconcileJob{
		calls:  calls,
		events: events,
		index:  index,
		live:   live,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reconcile")),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the background job.
func (j *ReconcileJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.Info("started", zap.Duration("interval", j.cfg.Interval))
}

// Stop gracefully stops the background job.
func (j *ReconcileJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("stopped")
}

func (j *ReconcileJob) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), j.cfg.Interval/2)
			j.RunOnce(ctx)
			cancel()
		case <-j.stopCh:
			return
		}
	}
}

// RunOnce performs one reconcile pass.
func (j *ReconcileJob) RunOnce(ctx context.Context) {
	now := j.now()
	cutoff := now.Add(-j.cfg.StaleAfter)

	var keep []string
	if j.live != nil {
		keep = append(keep, j.live()...)
	}

	if j.index != nil {
		n, err := j.index.PruneActive(ctx, cutoff)
		if err != nil {
			j.logger.Warn("failed to prune active index", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("pruned stale active calls", zap.Int("count", n))
		}

		sids, err := j.index.LiveCallSids(ctx)
		if err != nil {
			// Without the shared index we can't tell which calls other
			// instances still serve.
			j.logger.Warn("failed to list active index, skipping call cleanup", zap.Error(err))
			j.pruneEvents(ctx, now)
			return
		}
		keep = append(keep, sids...)
	}

	if j.calls != nil {
		n, err := j.calls.AbandonStaleCalls(ctx, cutoff, keep)
		if err != nil {
			j.logger.Warn("failed to close stale calls", zap.Error(err))
		} else if n > 0 {
			j.logger.Info("closed abandoned calls", zap.Int64("count", n))
		}
	}

	j.pruneEvents(ctx, now)
}

func (j *ReconcileJob) pruneEvents(ctx context.Context, now time.Time) {
	if j.events == nil {
		return
	}
	n, err := j.events.Prune(ctx, now.Add(-j.cfg.Retention))
	if err != nil {
		j.logger.Warn("failed to prune call events", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("pruned call events", zap.Int64("count", n))
	}
}
