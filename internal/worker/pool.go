package worker

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"imagepipe/internal/models"
	"imagepipe/internal/queue"
)

// ConsumerFactory opens one queue consumer per worker goroutine.
type ConsumerFactory func() queue.JobConsumer

type Pool struct {
	pipeline    *Pipeline
	newConsumer ConsumerFactory
	outcomes    queue.OutcomePublisher
	policy      queue.RetryPolicy
	concurrency int
	log         *zap.Logger
	now         func() time.Time
}

func NewPool(pipeline *Pipeline, newConsumer ConsumerFactory, outcomes queue.OutcomePublisher, cfg models.WorkerConfig, log *zap.Logger) *Pool {
	return &Pool{
		pipeline:    pipeline,
		newConsumer: newConsumer,
		outcomes:    outcomes,
		policy:      queue.RetryPolicy{MaxAttempts: cfg.MaxAttempts, Base: cfg.BackoffBase},
		concurrency: max(1, cfg.Concurrency),
		log:         log,
		now:         time.Now,
	}
}

// Run starts concurrency consumers and blocks until ctx is cancelled or one
// of them fails.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		consumer := p.newConsumer()
		worker := i
		g.Go(func() error {
			defer consumer.Close()
			p.log.Info("worker started", zap.Int("worker", worker))
			return consumer.Run(ctx, p.Handle)
		})
	}
	return g.Wait()
}

// Handle runs one job to a terminal outcome. It returns an error only when
// ctx was cancelled mid-job, so the message stays uncommitted.
func (p *Pool) Handle(ctx context.Context, job *models.Job) error {
	log := p.log.With(zap.String("image_id", job.ImageID), zap.String("filename", job.Filename))
	start := p.now()

	var (
		result *models.ProcessResult
		source []byte
	)
	err := p.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		data, err := LoadSource(job)
		if err != nil {
			return err
		}
		source = data
		res, err := p.pipeline.Process(ctx, job, data, func(progress int) {
			p.publish(ctx, &models.Outcome{
				Kind:     models.OutcomeProgress,
				ImageID:  job.ImageID,
				Progress: progress,
				Attempt:  job.Attempt + attempt,
			})
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	}, func(attempt int, prev error) {
		log.Warn("retrying job", zap.Int("attempt", job.Attempt+attempt), zap.Error(prev))
		p.publish(ctx, &models.Outcome{
			Kind:    models.OutcomeRetrying,
			ImageID: job.ImageID,
			Attempt: job.Attempt + attempt,
			Error:   prev.Error(),
		})
	})

	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	defer p.removeSource(job, log)

	if err != nil {
		log.Error("job failed", zap.Error(err), zap.Bool("permanent", queue.IsPermanent(err)))
		p.publish(ctx, &models.Outcome{
			Kind:    models.OutcomeFailed,
			ImageID: job.ImageID,
			Error:   err.Error(),
			Result:  p.keepOriginal(ctx, job, source, log),
		})
		return nil
	}

	log.Info("job completed", zap.Duration("took", p.now().Sub(start)))
	p.publish(ctx, &models.Outcome{
		Kind:     models.OutcomeCompleted,
		ImageID:  job.ImageID,
		Progress: 100,
		Result:   result,
	})
	return nil
}

// keepOriginal makes sure a failed image's upload is still retrievable. The
// returned result names the raw key, or is nil when the bytes are not stored
// and the gateway must keep its temp copy.
func (p *Pool) keepOriginal(ctx context.Context, job *models.Job, data []byte, log *zap.Logger) *models.ProcessResult {
	if len(data) == 0 {
		return nil
	}
	key, err := p.pipeline.StoreRaw(ctx, job, data, "")
	if err != nil {
		log.Warn("store original of failed image", zap.Error(err))
		return nil
	}
	return &models.ProcessResult{RawPath: key}
}

func (p *Pool) publish(ctx context.Context, out *models.Outcome) {
	out.At = p.now().UTC()
	if err := p.outcomes.Publish(ctx, out); err != nil {
		p.log.Error("publish outcome",
			zap.String("image_id", out.ImageID),
			zap.String("kind", string(out.Kind)),
			zap.Error(err))
	}
}

func (p *Pool) removeSource(job *models.Job, log *zap.Logger) {
	if job.SourcePath == "" {
		return
	}
	if err := os.Remove(job.SourcePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove source", zap.String("path", job.SourcePath), zap.Error(err))
	}
}
