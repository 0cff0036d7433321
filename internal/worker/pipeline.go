package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"go.uber.org/zap"

	"imagepipe/internal/imageproc"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/queue"
)

const (
	progressRaw       = 30
	progressThumbnail = 50
	progressRendered  = 95
)

// ProgressFunc receives a percentage after each finished stage.
type ProgressFunc func(progress int)

type Pipeline struct {
	objects objectstore.Store
	cfg     models.WorkerConfig
	log     *zap.Logger
}

func NewPipeline(objects objectstore.Store, cfg models.WorkerConfig, log *zap.Logger) *Pipeline {
	return &Pipeline{objects: objects, cfg: cfg, log: log}
}

func (p *Pipeline) quality() imageproc.Quality {
	return imageproc.Quality{JPEG: p.cfg.JPEGQuality, WebP: p.cfg.WebPQuality, AVIF: p.cfg.AVIFQuality}
}

// SelectBreakpoints returns, in ascending order, every breakpoint below
// longEdge plus the smallest one at or above it.
func SelectBreakpoints(breakpoints []int, longEdge int) []int {
	sorted := slices.Clone(breakpoints)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var out []int
	for _, bp := range sorted {
		out = append(out, bp)
		if bp >= longEdge {
			break
		}
	}
	return out
}

// LoadSource returns the job's inline payload, or reads its source file.
func LoadSource(job *models.Job) ([]byte, error) {
	if len(job.Payload) > 0 {
		return job.Payload, nil
	}
	if job.SourcePath == "" {
		return nil, queue.Permanent(errors.New("job has neither payload nor source path"))
	}
	data, err := os.ReadFile(job.SourcePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, queue.Permanent(fmt.Errorf("source %s is gone", job.SourcePath))
	}
	return data, err
}

// StoreRaw uploads the original bytes under the image's raw key. detected
// replaces a missing or generic declared type.
func (p *Pipeline) StoreRaw(ctx context.Context, job *models.Job, data []byte, detected string) (string, error) {
	contentType := job.MimeType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = detected
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := objectstore.RawKey(job.ImageID, job.Filename)
	if err := p.objects.Put(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("worker.StoreRaw: %w", err)
	}
	return key, nil
}

// Process renders every variant of one image. Object keys depend only on the
// image id, the filename and the breakpoint, so re-running a job overwrites
// the same objects.
func (p *Pipeline) Process(ctx context.Context, job *models.Job, data []byte, progress ProgressFunc) (*models.ProcessResult, error) {
	const op = "worker.Process"

	if progress == nil {
		progress = func(int) {}
	}
	log := p.log.With(zap.String("image_id", job.ImageID))

	meta, err := imageproc.Inspect(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	exif := imageproc.ExtractExif(data, meta.Format)
	if meta.Density == 0 {
		meta.Density = imageproc.DensityFromExif(exif)
	}

	rawKey, err := p.StoreRaw(ctx, job, data, meta.Format.MIME())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	progress(progressRaw)

	img, err := imageproc.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	thumb, err := imageproc.Encode(imageproc.Thumbnail(img, p.cfg.ThumbnailSize), imageproc.FormatJPEG, p.quality())
	if err != nil {
		return nil, fmt.Errorf("%s: thumbnail: %w", op, err)
	}
	thumbKey := objectstore.ThumbnailKey(job.ImageID)
	if err := p.objects.Put(ctx, thumbKey, thumb, imageproc.FormatJPEG.MIME()); err != nil {
		return nil, fmt.Errorf("%s: thumbnail: %w", op, err)
	}
	progress(progressThumbnail)

	base, err := imageproc.Watermark(img, p.cfg.WatermarkText)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	breakpoints := SelectBreakpoints(p.cfg.Breakpoints, max(img.Bounds().Dx(), img.Bounds().Dy()))
	paths := make(models.ResponsivePaths, len(breakpoints))
	for i, bp := range breakpoints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		resized := imageproc.FitInside(base, bp)
		variants := make(map[string]string, len(imageproc.ResponsiveFormats))
		for _, format := range imageproc.ResponsiveFormats {
			encoded, err := imageproc.Encode(resized, format, p.quality())
			if err != nil {
				return nil, fmt.Errorf("%s: %dw: %w", op, bp, err)
			}
			key := objectstore.ResponsiveKey(job.ImageID, bp, format.Ext())
			if err := p.objects.Put(ctx, key, encoded, format.MIME()); err != nil {
				return nil, fmt.Errorf("%s: %dw: %w", op, bp, err)
			}
			variants[format.Ext()] = key
		}
		paths[models.BreakpointKey(bp)] = variants
		progress(progressThumbnail + (progressRendered-progressThumbnail)*(i+1)/len(breakpoints))
	}

	metadata := meta.Map()
	metadata["breakpoints"] = breakpoints
	log.Debug("variants rendered", zap.Ints("breakpoints", breakpoints))

	return &models.ProcessResult{
		RawPath:         rawKey,
		ThumbnailPath:   thumbKey,
		ResponsivePaths: paths,
		Metadata:        metadata,
		Exif:            exif,
		Density:         meta.Density,
	}, nil
}
