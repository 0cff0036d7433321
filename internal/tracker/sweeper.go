package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"imagepipe/internal/models"
	"imagepipe/internal/queue"
	"imagepipe/internal/storage"
)

const StalledReason = "stalled"

type SweeperConfig struct {
	TempDir       string
	StallTimeout  time.Duration
	MaxRequeues   int
	InlinePayload bool
}

// Sweeper finds images stuck in processing and either requeues them from the
// retained temp upload or fails them. A failed image keeps its temp upload
// until the image is deleted.
type Sweeper struct {
	store   storage.Store
	tracker *Tracker
	jobs    queue.JobProducer
	cfg     SweeperConfig
	log     *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	requeues map[string]int
}

// NewSweeper builds a sweeper. A nil jobs producer means stalled images are
// always failed.
func NewSweeper(store storage.Store, tracker *Tracker, jobs queue.JobProducer, cfg SweeperConfig, log *zap.Logger) *Sweeper {
	if cfg.MaxRequeues < 0 {
		cfg.MaxRequeues = 0
	}
	return &Sweeper{
		store:    store,
		tracker:  tracker,
		jobs:     jobs,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		requeues: make(map[string]int),
	}
}

type SweepResult struct {
	Requeued int
	Failed   int
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	const op = "tracker.Sweep"

	var res SweepResult
	ids, err := s.store.StalledImages(ctx, s.now().Add(-s.cfg.StallTimeout))
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}

	for _, id := range ids {
		log := s.log.With(zap.String("image_id", id))
		requeued, err := s.requeue(ctx, id)
		if err != nil {
			log.Warn("requeue stalled image", zap.Error(err))
		}
		if requeued {
			res.Requeued++
			log.Info("stalled image requeued")
			continue
		}
		if err := s.tracker.Fail(ctx, id, StalledReason); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("fail stalled image", zap.Error(err))
			continue
		}
		// the temp upload stays: it may be the only copy of the original
		s.forget(id)
		res.Failed++
		log.Warn("stalled image failed")
	}
	return res, nil
}

func (s *Sweeper) requeue(ctx context.Context, id string) (bool, error) {
	if s.jobs == nil || s.cfg.TempDir == "" {
		return false, nil
	}
	s.mu.Lock()
	attempts := s.requeues[id]
	s.mu.Unlock()
	if attempts >= s.cfg.MaxRequeues {
		return false, nil
	}

	path := models.TempUploadPath(s.cfg.TempDir, id)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	img, err := s.store.GetImage(ctx, id)
	if err != nil {
		return false, err
	}

	job := &models.Job{
		ImageID:    id,
		Filename:   img.OriginalFilename,
		MimeType:   img.MimeType,
		Attempt:    attempts + 1,
		EnqueuedAt: s.now().UTC(),
	}
	if s.cfg.InlinePayload {
		job.Payload = data
	} else {
		job.SourcePath = path
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		return false, err
	}
	if err := s.tracker.Progress(ctx, id, 0); err != nil {
		return true, err
	}

	s.mu.Lock()
	s.requeues[id] = attempts + 1
	s.mu.Unlock()
	return true, nil
}

func (s *Sweeper) forget(id string) {
	s.mu.Lock()
	delete(s.requeues, id)
	s.mu.Unlock()
}

// Start schedules Sweep on a cron schedule such as "@every 1m". Stop the
// returned cron to end it.
func (s *Sweeper) Start(schedule string) (*cron.Cron, error) {
	const op = "tracker.Sweeper.Start"

	logger := cronLogger{s.log.Sugar()}
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		res, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error("stall sweep", zap.Error(err))
			return
		}
		if res.Requeued+res.Failed > 0 {
			s.log.Info("stall sweep finished", zap.Int("requeued", res.Requeued), zap.Int("failed", res.Failed))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.Start()
	return c, nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
