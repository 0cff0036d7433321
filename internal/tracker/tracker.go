package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"imagepipe/internal/models"
	"imagepipe/internal/queue"
	"imagepipe/internal/storage"
)

// Tracker is the single writer of image status.
type Tracker struct {
	store storage.Store
	log   *zap.Logger
}

func New(store storage.Store, log *zap.Logger) *Tracker {
	return &Tracker{store: store, log: log}
}

// Begin records a new image as processing at 0%.
func (t *Tracker) Begin(ctx context.Context, img *models.Image) error {
	img.Status = models.StatusProcessing
	img.Progress = 0
	if err := t.store.InsertImage(ctx, img); err != nil {
		return fmt.Errorf("tracker.Begin: %w", err)
	}
	return nil
}

func (t *Tracker) Progress(ctx context.Context, id string, progress int) error {
	if err := t.store.UpdateProgress(ctx, id, progress); err != nil {
		return fmt.Errorf("tracker.Progress: %w", err)
	}
	return nil
}

// Complete stores the rendered variants, if any, and marks the image done.
func (t *Tracker) Complete(ctx context.Context, id string, res *models.ProcessResult) error {
	const op = "tracker.Complete"

	if res != nil {
		if err := t.store.UpdateAfterProcessing(ctx, id, res); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := t.store.UpdateStatus(ctx, id, models.StatusCompleted, 100, ""); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Fail marks the image failed, keeping the progress it had reached.
func (t *Tracker) Fail(ctx context.Context, id, reason string) error {
	const op = "tracker.Fail"

	current, err := t.store.GetStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := t.store.UpdateStatus(ctx, id, models.StatusFailed, current.Progress, reason); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (t *Tracker) Get(ctx context.Context, id string) (*models.StatusRecord, error) {
	rec, err := t.store.GetStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("tracker.Get: %w", err)
	}
	return rec, nil
}

// Applier is the gateway's consumer of worker outcomes.
type Applier struct {
	tracker *Tracker
	tempDir string
	log     *zap.Logger
}

func NewApplier(tracker *Tracker, tempDir string, log *zap.Logger) *Applier {
	return &Applier{tracker: tracker, tempDir: tempDir, log: log}
}

func (a *Applier) Run(ctx context.Context, consumer queue.OutcomeConsumer) error {
	a.log.Info("outcome consumer started")
	return consumer.Run(ctx, a.Apply)
}

// Apply writes one outcome. Outcomes for deleted images are dropped. The
// retained temp upload is removed only once the terminal status is stored,
// and a failed image keeps it unless the worker stored the original.
func (a *Applier) Apply(ctx context.Context, out *models.Outcome) error {
	log := a.log.With(zap.String("image_id", out.ImageID), zap.String("kind", string(out.Kind)))

	var err error
	switch out.Kind {
	case models.OutcomeProgress:
		err = a.tracker.Progress(ctx, out.ImageID, out.Progress)
	case models.OutcomeRetrying:
		log.Warn("job retrying", zap.Int("attempt", out.Attempt), zap.String("error", out.Error))
		// refreshes updated_at so the sweeper leaves it alone
		err = a.tracker.Progress(ctx, out.ImageID, 0)
	case models.OutcomeCompleted:
		err = a.tracker.Complete(ctx, out.ImageID, out.Result)
	case models.OutcomeFailed:
		err = a.tracker.Fail(ctx, out.ImageID, out.Error)
	default:
		log.Warn("unknown outcome kind")
		return nil
	}

	if errors.Is(err, storage.ErrNotFound) {
		log.Info("outcome for unknown image dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("tracker.Apply: %w", err)
	}
	if !out.Kind.Terminal() {
		return nil
	}
	if out.Kind == models.OutcomeCompleted || originalStored(out) {
		a.removeTemp(out.ImageID, log)
	} else {
		log.Info("original not in object store, temp upload kept")
	}
	log.Info("image status applied")
	return nil
}

func originalStored(out *models.Outcome) bool {
	return out.Result != nil && out.Result.RawPath != ""
}

func (a *Applier) removeTemp(id string, log *zap.Logger) {
	if a.tempDir == "" {
		return
	}
	path := models.TempUploadPath(a.tempDir, id)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove temp upload", zap.String("path", path), zap.Error(err))
	}
}
