// Package watchdog requeues jobs whose slices stopped without scheduling a
// successor and triggers a fresh slice for each.
package watchdog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/overhage/taxis/internal/config"
	"github.com/overhage/taxis/internal/continuation"
	"github.com/overhage/taxis/internal/metrics"
	"github.com/overhage/taxis/internal/model"
)

// JobStore is the part of store.Store the watchdog needs.
type JobStore interface {
	ListReclaimable(ctx context.Context, staleBefore time.Time, limit int) ([]model.Job, error)
	RequeueJob(ctx context.Context, id string) (bool, error)
}

// Watchdog periodically reclaims stale jobs.
type Watchdog struct {
	store JobStore
	sink  continuation.Sink
	cfg   config.WatchdogConfig

	nowFunc func() time.Time
}

// New creates a Watchdog. Zero config values fall back to defaults.
func New(st JobStore, sink continuation.Sink, cfg config.WatchdogConfig) *Watchdog {
	if cfg.IntervalSecs <= 0 {
		cfg.IntervalSecs = 60
	}
	if cfg.StaleAfterSecs <= 0 {
		cfg.StaleAfterSecs = 120
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Watchdog{store: st, sink: sink, cfg: cfg, nowFunc: time.Now}
}

// RunOnce runs one reclaim cycle and returns how many jobs were requeued.
// Per-job failures are logged and do not stop the batch.
func (w *Watchdog) RunOnce(ctx context.Context) (int, error) {
	log := zap.L().With(zap.String("component", "watchdog"))
	staleBefore := w.nowFunc().Add(-w.cfg.StaleAfter())

	jobs, err := w.store.ListReclaimable(ctx, staleBefore, w.cfg.BatchSize)
	if err != nil {
		return 0, eris.Wrap(err, "watchdog: list reclaimable jobs")
	}

	seen := make(map[string]bool, len(jobs))
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j.ID == "" || seen[j.ID] {
			continue
		}
		seen[j.ID] = true
		ids = append(ids, j.ID)
	}
	if len(ids) == 0 {
		log.Debug("watchdog: nothing to reclaim")
		return 0, nil
	}

	results := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = w.reclaim(gctx, log.With(zap.String("job_id", id)), id)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	log.Info("watchdog: cycle complete",
		zap.Int("candidates", len(ids)),
		zap.Int("reclaimed", n),
	)
	return n, nil
}

func (w *Watchdog) reclaim(ctx context.Context, log *zap.Logger, id string) bool {
	ok, err := w.store.RequeueJob(ctx, id)
	if err != nil {
		log.Warn("watchdog: requeue failed", zap.Error(err))
		return false
	}
	if !ok {
		log.Debug("watchdog: job no longer reclaimable")
		return false
	}
	metrics.Reclaims.Inc()

	if err := w.sink.Continue(ctx, id); err != nil {
		log.Warn("watchdog: trigger failed, job stays queued", zap.Error(err))
	}
	return true
}

// Run starts the periodic loop. It blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.cfg.Interval()
	log := zap.L().With(zap.String("component", "watchdog"))
	log.Info("starting watchdog",
		zap.Duration("interval", interval),
		zap.Duration("stale_after", w.cfg.StaleAfter()),
		zap.Int("batch_size", w.cfg.BatchSize),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("watchdog stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				log.Error("watchdog: cycle failed", zap.Error(err))
			}
		}
	}
}
