package worker

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"imagepipe/internal/imageproc"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/objectstore/objectstoretest"
	"imagepipe/internal/queue"
)

func testConfig() models.WorkerConfig {
	return models.WorkerConfig{
		Concurrency:   2,
		MaxAttempts:   3,
		BackoffBase:   time.Millisecond,
		Breakpoints:   []int{320, 640, 1024, 2048},
		ThumbnailSize: 200,
		JPEGQuality:   85,
		WebPQuality:   80,
		AVIFQuality:   60,
	}
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{R: 90, G: 140, B: 30, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

type recordingPublisher struct {
	mu       sync.Mutex
	outcomes []models.Outcome
}

func (r *recordingPublisher) Publish(_ context.Context, out *models.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, *out)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func (r *recordingPublisher) kinds() []models.OutcomeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []models.OutcomeKind
	for _, o := range r.outcomes {
		kinds = append(kinds, o.Kind)
	}
	return kinds
}

func (r *recordingPublisher) last() models.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[len(r.outcomes)-1]
}

// flakyStore fails the first n Put calls.
type flakyStore struct {
	*objectstoretest.Memory
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Memory.Put(ctx, key, data, contentType)
}

type chanConsumer struct {
	jobs chan *models.Job
}

func (c *chanConsumer) Run(ctx context.Context, handle queue.JobHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-c.jobs:
			if !ok {
				return nil
			}
			if err := handle(ctx, job); err != nil {
				return nil
			}
		}
	}
}

func (c *chanConsumer) Close() error { return nil }

func TestSelectBreakpoints(t *testing.T) {
	bps := []int{2048, 320, 1024, 640}
	tests := []struct {
		longEdge int
		want     []int
	}{
		{800, []int{320, 640, 1024}},
		{4000, []int{320, 640, 1024, 2048}},
		{2048, []int{320, 640, 1024, 2048}},
		{640, []int{320, 640}},
		{200, []int{320}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SelectBreakpoints(bps, tt.longEdge), "long edge %d", tt.longEdge)
	}
	assert.Equal(t, []int{2048, 320, 1024, 640}, bps)
}

func TestPipelineProcess800x600(t *testing.T) {
	ctx := context.Background()
	store := objectstoretest.NewMemory()
	p := NewPipeline(store, testConfig(), zap.NewNop())

	job := &models.Job{ImageID: "img-1", Filename: "beach.jpg", MimeType: "image/jpeg"}
	var progress []int
	res, err := p.Process(ctx, job, jpegBytes(t, 800, 600), func(pct int) { progress = append(progress, pct) })
	require.NoError(t, err)

	assert.Equal(t, []int{30, 50, 65, 80, 95}, progress)
	assert.Equal(t, "images/img-1/raw/beach.jpg", res.RawPath)
	assert.Equal(t, "images/img-1/thumbnails/thumbnail.jpg", res.ThumbnailPath)

	require.Len(t, res.ResponsivePaths, 3)
	for _, bp := range []string{"320", "640", "1024"} {
		for _, ext := range []string{"jpg", "webp", "avif"} {
			key := res.ResponsivePaths.Key(bp, ext)
			assert.Equal(t, "images/img-1/responsive/"+bp+"w."+ext, key)
			_, err := store.Stat(ctx, key)
			assert.NoError(t, err, key)
		}
	}
	assert.Empty(t, res.ResponsivePaths.Key("2048", "jpg"))
	assert.Len(t, store.Keys(objectstore.Prefix("img-1")), 11)

	rc, _, err := store.Get(ctx, res.ThumbnailPath)
	require.NoError(t, err)
	thumb, err := imaging.Decode(rc)
	require.NoError(t, err)
	assert.Equal(t, 200, thumb.Bounds().Dx())
	assert.Equal(t, 200, thumb.Bounds().Dy())

	rc, _, err = store.Get(ctx, res.ResponsivePaths.Key("1024", "jpg"))
	require.NoError(t, err)
	largest, err := imaging.Decode(rc)
	require.NoError(t, err)
	assert.Equal(t, 800, largest.Bounds().Dx(), "never enlarged")

	assert.Equal(t, 800, res.Metadata["width"])
	assert.Equal(t, []int{320, 640, 1024}, res.Metadata["breakpoints"])
}

func TestPipelineIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := objectstoretest.NewMemory()
	cfg := testConfig()
	cfg.Breakpoints = []int{64}
	p := NewPipeline(store, cfg, zap.NewNop())

	job := &models.Job{ImageID: "img-2", Filename: "a.jpg"}
	data := jpegBytes(t, 100, 80)

	first, err := p.Process(ctx, job, data, nil)
	require.NoError(t, err)
	keys := store.Keys(objectstore.Prefix("img-2"))

	second, err := p.Process(ctx, job, data, nil)
	require.NoError(t, err)
	assert.Equal(t, first.ResponsivePaths, second.ResponsivePaths)
	assert.Equal(t, keys, store.Keys(objectstore.Prefix("img-2")))
}

func TestPipelineRejectsGarbage(t *testing.T) {
	p := NewPipeline(objectstoretest.NewMemory(), testConfig(), zap.NewNop())
	_, err := p.Process(context.Background(), &models.Job{ImageID: "x"}, []byte("not an image"), nil)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "corrupt payloads spend the retry budget")
	assert.ErrorIs(t, err, imageproc.ErrInvalidHeader)
}

func TestPoolHandleCompletes(t *testing.T) {
	cfg := testConfig()
	cfg.Breakpoints = []int{64}
	pub := &recordingPublisher{}
	pool := NewPool(NewPipeline(objectstoretest.NewMemory(), cfg, zap.NewNop()), nil, pub, cfg, zap.NewNop())

	src := filepath.Join(t.TempDir(), "img-3.upload")
	require.NoError(t, os.WriteFile(src, jpegBytes(t, 100, 80), 0o600))

	require.NoError(t, pool.Handle(context.Background(), &models.Job{ImageID: "img-3", Filename: "a.jpg", SourcePath: src}))

	assert.Equal(t, []models.OutcomeKind{
		models.OutcomeProgress, models.OutcomeProgress, models.OutcomeProgress, models.OutcomeCompleted,
	}, pub.kinds())
	last := pub.last()
	assert.Equal(t, 100, last.Progress)
	require.NotNil(t, last.Result)
	assert.Equal(t, "images/img-3/responsive/64w.webp", last.Result.ResponsivePaths.Key("64", "webp"))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source removed after completion")
}

func TestPoolHandleRetriesTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Breakpoints = []int{64}
	pub := &recordingPublisher{}
	store := &flakyStore{Memory: objectstoretest.NewMemory(), fails: 2}
	pool := NewPool(NewPipeline(store, cfg, zap.NewNop()), nil, pub, cfg, zap.NewNop())

	job := &models.Job{ImageID: "img-4", Filename: "a.jpg", Payload: jpegBytes(t, 100, 80)}
	require.NoError(t, pool.Handle(context.Background(), job))

	kinds := pub.kinds()
	assert.Equal(t, models.OutcomeRetrying, kinds[0])
	assert.Equal(t, models.OutcomeRetrying, kinds[1])
	assert.Equal(t, models.OutcomeCompleted, kinds[len(kinds)-1])
}

func TestPoolHandleFailsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	pub := &recordingPublisher{}
	store := &flakyStore{Memory: objectstoretest.NewMemory(), fails: 100}
	pool := NewPool(NewPipeline(store, cfg, zap.NewNop()), nil, pub, cfg, zap.NewNop())

	job := &models.Job{ImageID: "img-5", Filename: "a.jpg", Payload: jpegBytes(t, 100, 80)}
	require.NoError(t, pool.Handle(context.Background(), job))

	assert.Equal(t, []models.OutcomeKind{
		models.OutcomeRetrying, models.OutcomeRetrying, models.OutcomeFailed,
	}, pub.kinds())
	assert.Contains(t, pub.last().Error, "connection reset")
	assert.Nil(t, pub.last().Result, "original could not be stored")
}

func TestPoolHandleCorruptPayloadExhaustsRetries(t *testing.T) {
	cfg := testConfig()
	pub := &recordingPublisher{}
	store := objectstoretest.NewMemory()
	pool := NewPool(NewPipeline(store, cfg, zap.NewNop()), nil, pub, cfg, zap.NewNop())

	job := &models.Job{ImageID: "img-6", Filename: "broken.jpg", MimeType: "image/jpeg", Payload: []byte("fake")}
	require.NoError(t, pool.Handle(context.Background(), job))

	assert.Equal(t, []models.OutcomeKind{
		models.OutcomeRetrying, models.OutcomeRetrying, models.OutcomeFailed,
	}, pub.kinds())
	last := pub.last()
	assert.Contains(t, last.Error, "invalid file header")
	require.NotNil(t, last.Result)
	assert.Equal(t, "images/img-6/raw/broken.jpg", last.Result.RawPath)

	rc, info, err := store.Get(context.Background(), last.Result.RawPath)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, "image/jpeg", info.ContentType)
	assert.Equal(t, []string{"images/img-6/raw/broken.jpg"}, store.Keys(objectstore.Prefix("img-6")))
}

func TestPoolHandleMissingSourceSkipsRetries(t *testing.T) {
	cfg := testConfig()
	pub := &recordingPublisher{}
	pool := NewPool(NewPipeline(objectstoretest.NewMemory(), cfg, zap.NewNop()), nil, pub, cfg, zap.NewNop())

	job := &models.Job{ImageID: "img-7", Filename: "a.jpg", SourcePath: filepath.Join(t.TempDir(), "gone.upload")}
	require.NoError(t, pool.Handle(context.Background(), job))

	assert.Equal(t, []models.OutcomeKind{models.OutcomeFailed}, pub.kinds())
	assert.Contains(t, pub.last().Error, "is gone")
	assert.Nil(t, pub.last().Result)
}

func TestPoolRunConsumesWithConcurrency(t *testing.T) {
	cfg := testConfig()
	cfg.Breakpoints = []int{64}
	pub := &recordingPublisher{}
	jobs := make(chan *models.Job)
	var consumers int
	factory := func() queue.JobConsumer {
		consumers++
		return &chanConsumer{jobs: jobs}
	}
	pool := NewPool(NewPipeline(objectstoretest.NewMemory(), cfg, zap.NewNop()), factory, pub, cfg, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	data := jpegBytes(t, 100, 80)
	for _, id := range []string{"a", "b", "c"} {
		jobs <- &models.Job{ImageID: id, Filename: id + ".jpg", Payload: data}
	}

	require.Eventually(t, func() bool {
		completed := 0
		for _, k := range pub.kinds() {
			if k == models.OutcomeCompleted {
				completed++
			}
		}
		return completed == 3
	}, 30*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, consumers)
}
