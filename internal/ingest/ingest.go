package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"imagepipe/internal/imageproc"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/queue"
	"imagepipe/internal/storage"
	"imagepipe/internal/tracker"
)

var (
	ErrNoFiles        = errors.New("no files uploaded")
	ErrTooManyFiles   = errors.New("too many files")
	ErrFileTooLarge   = errors.New("file too large")
	ErrTypeNotAllowed = errors.New("file type not allowed")
	// ErrPersistence aborts the whole batch: the metadata store rejected a write.
	ErrPersistence = errors.New("persistence failure")
)

// File is one uploaded part.
type File struct {
	Name         string
	DeclaredType string
	Size         int64
	Reader       io.Reader
}

type Options struct {
	Title  string
	Album  string
	Tags   []string
	UserID string
}

type Result struct {
	Success  bool   `json:"success"`
	ImageID  string `json:"imageId,omitempty"`
	Filename string `json:"filename"`
	Error    string `json:"error,omitempty"`
}

// Service validates uploads and hands them to the worker pool, or stores
// them inline when no queue is available.
type Service struct {
	store   storage.Store
	tracker *tracker.Tracker
	jobs    queue.JobProducer
	cfg     models.UploadConfig
	log     *zap.Logger
	newID   func() string
	now     func() time.Time
}

// New builds the service. A nil jobs producer selects blob mode.
func New(store storage.Store, tr *tracker.Tracker, jobs queue.JobProducer, cfg models.UploadConfig, log *zap.Logger) *Service {
	return &Service{
		store:   store,
		tracker: tr,
		jobs:    jobs,
		cfg:     cfg,
		log:     log,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

func (s *Service) BlobMode() bool {
	return s.jobs == nil
}

// Ingest processes a batch. Only batch-level problems, including any
// ErrPersistence, are returned as errors; per-file failures are reported in
// the results.
func (s *Service) Ingest(ctx context.Context, files []File, opts Options) ([]Result, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	if len(files) > s.cfg.MaxFiles {
		return nil, ErrTooManyFiles
	}

	results := make([]Result, 0, len(files))
	for _, f := range files {
		id, err := s.ingestOne(ctx, f, opts)
		if errors.Is(err, ErrPersistence) {
			s.log.Error("upload not persisted", zap.String("filename", f.Name), zap.Error(err))
			return nil, err
		}
		if err != nil {
			s.log.Info("upload rejected", zap.String("filename", f.Name), zap.Error(err))
			results = append(results, Result{Filename: f.Name, Error: ClientMessage(err)})
			continue
		}
		results = append(results, Result{Success: true, ImageID: id, Filename: f.Name})
	}
	return results, nil
}

func (s *Service) ingestOne(ctx context.Context, f File, opts Options) (string, error) {
	const op = "ingest.ingestOne"

	if f.Size > s.cfg.MaxFileSize {
		return "", ErrFileTooLarge
	}
	if !s.typeAllowed(f.DeclaredType) {
		return "", ErrTypeNotAllowed
	}
	data, err := io.ReadAll(io.LimitReader(f.Reader, s.cfg.MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("%s: read: %w", op, err)
	}
	if int64(len(data)) > s.cfg.MaxFileSize {
		return "", ErrFileTooLarge
	}

	// signature check runs before anything touches the codec
	format, err := imageproc.SniffFormat(data[:min(len(data), imageproc.HeaderSize)])
	if err != nil {
		return "", err
	}
	meta, err := imageproc.Inspect(data)
	if err != nil {
		return "", err
	}
	if err := imageproc.ValidateDimensions(meta, s.cfg.MaxDimension); err != nil {
		return "", err
	}

	id := s.newID()
	img := &models.Image{
		ID:               id,
		OriginalFilename: f.Name,
		Title:            opts.Title,
		MimeType:         format.MIME(),
		Size:             int64(len(data)),
		Width:            meta.Width,
		Height:           meta.Height,
		Format:           string(meta.Format),
		Channels:         meta.Channels,
		Density:          meta.Density,
		UploadedAt:       s.now().UTC(),
		Metadata:         meta.Map(),
		UserID:           opts.UserID,
		Album:            opts.Album,
		Tags:             opts.Tags,
	}

	if s.BlobMode() {
		return id, s.storeBlob(ctx, img, data)
	}
	// recorded up front so a failed image still points at its original
	img.RawPath = objectstore.RawKey(id, f.Name)
	return id, s.enqueue(ctx, img, data)
}

func (s *Service) enqueue(ctx context.Context, img *models.Image, data []byte) error {
	const op = "ingest.enqueue"

	temp := models.TempUploadPath(s.cfg.TempDir, img.ID)
	if err := os.MkdirAll(s.cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.WriteFile(temp, data, 0o600); err != nil {
		return fmt.Errorf("%s: temp copy: %w", op, err)
	}
	if err := s.tracker.Begin(ctx, img); err != nil {
		os.Remove(temp)
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}

	job := &models.Job{
		ImageID:    img.ID,
		Filename:   img.OriginalFilename,
		MimeType:   img.MimeType,
		EnqueuedAt: s.now().UTC(),
	}
	if s.cfg.InlinePayload {
		job.Payload = data
	} else {
		job.SourcePath = temp
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		if ferr := s.tracker.Fail(ctx, img.ID, "enqueue failed: "+err.Error()); ferr != nil {
			s.log.Error("mark image failed", zap.String("image_id", img.ID), zap.Error(ferr))
		}
		os.Remove(temp)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Service) storeBlob(ctx context.Context, img *models.Image, data []byte) error {
	const op = "ingest.storeBlob"

	if err := s.tracker.Begin(ctx, img); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
	if err := s.store.InsertBlob(ctx, &models.Blob{ImageID: img.ID, Data: data, MimeType: img.MimeType}); err != nil {
		if ferr := s.tracker.Fail(ctx, img.ID, err.Error()); ferr != nil {
			s.log.Error("mark image failed", zap.String("image_id", img.ID), zap.Error(ferr))
		}
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
	if err := s.tracker.Complete(ctx, img.ID, nil); err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
	}
	return nil
}

func (s *Service) typeAllowed(declared string) bool {
	declared = strings.ToLower(strings.TrimSpace(strings.Split(declared, ";")[0]))
	if declared == "" || declared == "application/octet-stream" {
		return true
	}
	return slices.Contains(s.cfg.AllowedMIMETypes, declared)
}

// ClientMessage maps an ingest error to the text reported to uploaders.
func ClientMessage(err error) string {
	switch {
	case errors.Is(err, imageproc.ErrInvalidHeader):
		return "Invalid file header. Only JPEG, PNG, WebP and AVIF images are accepted"
	case errors.Is(err, imageproc.ErrDimensionsTooLarge):
		return "Image dimensions too large"
	case errors.Is(err, imageproc.ErrMissingDimensions):
		return "Image dimensions missing"
	case errors.Is(err, ErrFileTooLarge):
		return "File too large"
	case errors.Is(err, ErrTypeNotAllowed):
		return "File type not allowed"
	case errors.Is(err, ErrNoFiles):
		return "No files uploaded"
	case errors.Is(err, ErrTooManyFiles):
		return "Too many files"
	}
	return "Failed to process upload"
}
