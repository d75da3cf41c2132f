package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Abhinav-Prajapati/pixal-judge/internal/domain"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/logger"
	"github.com/Abhinav-Prajapati/pixal-judge/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Stage computes one derived asset for an image.
type Stage interface {
	Kind() domain.StageKind
	// Satisfied is the completion predicate. A satisfied image is never reprocessed.
	Satisfied(img *domain.Image) bool
	// Run computes the asset and returns the image columns to merge.
	Run(ctx context.Context, img *domain.Image) (map[string]interface{}, error)
}

// Discarder is implemented by stages that write side effects outside the image row.
// The runner calls Discard when the row vanished before the updates could be applied.
type Discarder interface {
	Discard(ctx context.Context, updates map[string]interface{})
}

// ImageStore is what the runner needs from the image registry.
type ImageStore interface {
	GetByID(ctx context.Context, id string) (*domain.Image, error)
	ApplyUpdates(ctx context.Context, id string, updates map[string]interface{}) error
}

// Runner executes stage tasks: load, check predicate, run under the retry policy, merge.
type Runner struct {
	images  ImageStore
	stages  map[domain.StageKind]Stage
	policy  RetryPolicy
	metrics *metrics.Metrics
	flight  singleflight.Group
}

// NewRunner creates a Runner serving the given stages.
func NewRunner(images ImageStore, policy RetryPolicy, m *metrics.Metrics, stages ...Stage) *Runner {
	byKind := make(map[domain.StageKind]Stage, len(stages))
	for _, s := range stages {
		byKind[s.Kind()] = s
	}
	return &Runner{images: images, stages: byKind, policy: policy, metrics: m}
}

// Handle runs task. Concurrent calls for the same (image, stage) share one execution.
func (r *Runner) Handle(ctx context.Context, task Task) error {
	_, err, _ := r.flight.Do(task.Key(), func() (interface{}, error) {
		return nil, r.run(ctx, task)
	})
	return err
}

func (r *Runner) run(ctx context.Context, task Task) error {
	stage, ok := r.stages[task.Stage]
	if !ok {
		return domain.NewValidation(fmt.Sprintf("unknown stage %q", task.Stage))
	}
	log := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldImageID: task.ImageID,
		logger.FieldStage:   string(task.Stage),
	})

	img, err := r.images.GetByID(ctx, task.ImageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Debug("Image no longer exists, skipping stage")
			return nil
		}
		return err
	}
	if stage.Satisfied(img) {
		r.metrics.RecordStage(string(task.Stage), metrics.OutcomeSkipped, 0, 0)
		return nil
	}

	start := time.Now()
	var updates map[string]interface{}
	res := r.policy.Do(ctx, func(actx context.Context) error {
		u, err := stage.Run(actx, img)
		if err != nil {
			return err
		}
		updates = u
		return nil
	})
	elapsed := time.Since(start)

	if !res.Succeeded() {
		r.metrics.RecordStage(string(task.Stage), metrics.OutcomeFailed, res.Attempts, elapsed)
		log.WithField(logger.FieldAttempt, res.Attempts).WithError(res.Err).
			Error("Stage failed, image left for the next sweep")
		return domain.NewProcessing(string(task.Stage), res.Err)
	}

	if err := r.images.ApplyUpdates(ctx, img.ID, updates); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			if d, ok := stage.(Discarder); ok {
				d.Discard(ctx, updates)
			}
			log.Info("Image deleted while stage was running, result discarded")
			return nil
		}
		r.metrics.RecordStage(string(task.Stage), metrics.OutcomeFailed, res.Attempts, elapsed)
		return fmt.Errorf("failed to store %s result: %w", task.Stage, err)
	}

	r.metrics.RecordStage(string(task.Stage), metrics.OutcomeSuccess, res.Attempts, elapsed)
	log.WithFields(logger.Fields{
		logger.FieldAttempt:    res.Attempts,
		logger.FieldDurationMs: elapsed.Milliseconds(),
	}).Debug("Stage completed")
	return nil
}
