package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/metrics"
	"github.com/robfig/cron/v3"
)

// MissingLister pages through images whose stage predicate is unsatisfied.
type MissingLister interface {
	ListMissing(ctx context.Context, stage domain.StageKind, afterID string, limit int) ([]string, error)
}

// StaleBatches finds and fails batches stuck in processing.
type StaleBatches interface {
	ListStaleProcessing(ctx context.Context, cutoff time.Time) ([]string, error)
	MarkFailed(ctx context.Context, id, reason string) error
}

// ReconcilerConfig tunes a Reconciler.
type ReconcilerConfig struct {
	Schedule   string
	PageSize   int
	StaleAfter time.Duration
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Dispatched   map[domain.StageKind]int
	StaleBatches int
}

// Reconciler re-dispatches every image missing a derived asset. It is the pipeline's
// recovery path for crashes, exhausted retries and lost queue entries.
type Reconciler struct {
	images     MissingLister
	batches    StaleBatches
	dispatcher Dispatcher
	cfg        ReconcilerConfig
	metrics    *metrics.Metrics

	cron *cron.Cron
}

// NewReconciler creates a Reconciler. batches may be nil to skip the stale-batch check.
func NewReconciler(images MissingLister, batches StaleBatches, dispatcher Dispatcher, cfg ReconcilerConfig, m *metrics.Metrics) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &Reconciler{images: images, batches: batches, dispatcher: dispatcher, cfg: cfg, metrics: m}
}

// Sweep runs one full pass over every stage.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepStats, error) {
	ctx = logger.SetComponent(ctx, "reconciler")
	start := time.Now()
	stats := &SweepStats{Dispatched: make(map[domain.StageKind]int)}

	for _, stage := range domain.AllStages {
		n, err := r.sweepStage(ctx, stage)
		stats.Dispatched[stage] = n
		if err != nil {
			r.metrics.RecordSweep(metrics.OutcomeFailed, 0)
			return stats, err
		}
	}

	if r.batches != nil && r.cfg.StaleAfter > 0 {
		n, err := r.failStaleBatches(ctx, start.Add(-r.cfg.StaleAfter))
		stats.StaleBatches = n
		if err != nil {
			r.metrics.RecordSweep(metrics.OutcomeFailed, n)
			return stats, err
		}
	}

	r.metrics.RecordSweep(metrics.OutcomeSuccess, stats.StaleBatches)
	total := 0
	for _, n := range stats.Dispatched {
		total += n
	}
	logger.With(logger.Fields{
		"metadata":  stats.Dispatched[domain.StageMetadata],
		"thumbnail": stats.Dispatched[domain.StageThumbnail],
		"embedding": stats.Dispatched[domain.StageEmbedding],
		"stale":     stats.StaleBatches,
	}).WithCount(total).WithDuration(time.Since(start).Milliseconds()).Info(ctx, "Sweep completed")
	return stats, nil
}

func (r *Reconciler) sweepStage(ctx context.Context, stage domain.StageKind) (int, error) {
	cursor := ""
	dispatched := 0
	for {
		ids, err := r.images.ListMissing(ctx, stage, cursor, r.cfg.PageSize)
		if err != nil {
			return dispatched, fmt.Errorf("failed to list images missing %s: %w", stage, err)
		}
		for _, id := range ids {
			if err := r.dispatcher.Dispatch(ctx, Task{ImageID: id, Stage: stage}); err != nil {
				return dispatched, fmt.Errorf("failed to dispatch %s for %s: %w", stage, id, err)
			}
			dispatched++
			r.metrics.RecordDispatch(string(stage), "sweep")
		}
		if len(ids) < r.cfg.PageSize {
			return dispatched, nil
		}
		cursor = ids[len(ids)-1]
	}
}

func (r *Reconciler) failStaleBatches(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := r.batches.ListStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale batches: %w", err)
	}
	failed := 0
	for _, id := range ids {
		if err := r.batches.MarkFailed(ctx, id, "grouping did not finish before the stale deadline"); err != nil {
			return failed, fmt.Errorf("failed to mark batch %s failed: %w", id, err)
		}
		failed++
		logger.FromContext(ctx).WithField(logger.FieldBatchID, id).Warn("Stale processing batch marked failed")
	}
	return failed, nil
}

// Start schedules Sweep on the configured cron spec. The sweep uses ctx for its lifetime.
func (r *Reconciler) Start(ctx context.Context) error {
	if r.cfg.Schedule == "" {
		return nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		if _, err := r.Sweep(ctx); err != nil {
			logger.FromContext(ctx).WithError(err).Error("Scheduled sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.cfg.Schedule, err)
	}
	r.cron = c
	c.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}
