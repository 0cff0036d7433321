package server

import (
	"errors"
	"net/http"
	"os"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagepipe/internal/imageproc"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/storage"
)

const (
	VariantOriginal  = "original"
	VariantThumbnail = "thumbnail"

	msgFileNotFound        = "File not found in storage"
	msgVariantNotAvailable = "Variant not available"

	cacheImmutable = "public, max-age=31536000, immutable"
	cacheNone      = "no-store"
)

var errInvalidVariant = errors.New("invalid variant")

type variantRef struct {
	name   string
	format imageproc.Format
}

// parseVariant validates the variant and format query values. Breakpoint
// variants default to jpg.
func (s *Server) parseVariant(c *gin.Context) (variantRef, error) {
	ref := variantRef{name: c.DefaultQuery("variant", VariantOriginal)}
	switch ref.name {
	case VariantOriginal, VariantThumbnail:
		return ref, nil
	}

	size, err := strconv.Atoi(ref.name)
	if err != nil || !slices.Contains(s.cfg.Worker.Breakpoints, size) {
		return ref, errInvalidVariant
	}
	format, ok := imageproc.ParseExt(c.DefaultQuery("format", "jpg"))
	if !ok {
		return ref, errInvalidVariant
	}
	ref.format = format
	return ref, nil
}

// key is the recorded object key for the variant, or "" when none exists yet.
func (v variantRef) key(img *models.Image) string {
	switch v.name {
	case VariantOriginal:
		return img.RawPath
	case VariantThumbnail:
		return img.ThumbnailPath
	}
	return img.ResponsivePaths.Key(v.name, v.format.Ext())
}

func (s *Server) handleDownload(c *gin.Context) {
	const op = "server.handleDownload"
	ctx := c.Request.Context()

	img, ok := s.loadImage(c)
	if !ok {
		return
	}
	ref, err := s.parseVariant(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgVariantNotAvailable})
		return
	}

	key := ref.key(img)
	if key != "" && s.objects != nil {
		rc, info, err := s.objects.Get(ctx, key)
		switch {
		case err == nil:
			defer rc.Close()
			c.Header("Cache-Control", cacheImmutable)
			if info.ETag != "" {
				c.Header("ETag", `"`+info.ETag+`"`)
			}
			c.DataFromReader(http.StatusOK, info.Size, contentType(info.ContentType, key), rc, nil)
			return
		case !errors.Is(err, objectstore.ErrObjectNotFound):
			s.log.Error(op, zap.String("key", key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}
	}

	blob, err := s.store.GetBlob(ctx, img.ID)
	switch {
	case err == nil:
		s.serveSource(c, blob.Data, blob.MimeType, ref, false, cacheImmutable)
		return
	case !errors.Is(err, storage.ErrNotFound):
		s.log.Error(op, zap.String("image_id", img.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}

	if !servesRetained(img, ref) {
		msg := msgVariantNotAvailable
		if key != "" {
			msg = msgFileNotFound
		}
		c.JSON(http.StatusNotFound, gin.H{"error": msg})
		return
	}

	// the retained upload stands in until the worker catches up, and stays
	// for a failed image whose original never reached the object store
	data, err := os.ReadFile(models.TempUploadPath(s.cfg.Upload.TempDir, img.ID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error(op, zap.String("image_id", img.ID), zap.Error(err))
		}
		c.JSON(http.StatusNotFound, gin.H{"error": msgFileNotFound})
		return
	}
	s.serveSource(c, data, img.MimeType, ref, img.Status == models.StatusProcessing, cacheNone)
}

func servesRetained(img *models.Image, ref variantRef) bool {
	switch img.Status {
	case models.StatusProcessing:
		return true
	case models.StatusFailed:
		return ref.name == VariantOriginal
	}
	return false
}

// serveSource streams an original held outside the object store, cropping a
// thumbnail on the fly. Breakpoint requests get the original only when
// originalForBreakpoints is set.
func (s *Server) serveSource(c *gin.Context, data []byte, mime string, ref variantRef, originalForBreakpoints bool, cache string) {
	const op = "server.serveSource"

	switch {
	case ref.name == VariantThumbnail:
	case ref.name == VariantOriginal || originalForBreakpoints:
		c.Header("Cache-Control", cache)
		c.Data(http.StatusOK, contentType(mime, ""), data)
		return
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": msgVariantNotAvailable})
		return
	}

	img, err := imageproc.Decode(data)
	if err != nil {
		s.log.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	thumb, err := imageproc.Encode(imageproc.Thumbnail(img, s.cfg.Worker.ThumbnailSize), imageproc.FormatJPEG, s.quality)
	if err != nil {
		s.log.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	c.Header("Cache-Control", cache)
	c.Data(http.StatusOK, imageproc.FormatJPEG.MIME(), thumb)
}

func (s *Server) handleSignedURL(c *gin.Context) {
	const op = "server.handleSignedURL"
	ctx := c.Request.Context()

	img, ok := s.loadImage(c)
	if !ok {
		return
	}
	ref, err := s.parseVariant(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgVariantNotAvailable})
		return
	}

	key := ref.key(img)
	if key == "" {
		if img.Status == models.StatusProcessing {
			c.JSON(http.StatusAccepted, gin.H{"status": img.Status, "progress": img.Progress})
			return
		}
		// blob originals have no object to sign; point at the streaming route
		if ref.name != VariantOriginal && ref.name != VariantThumbnail {
			c.JSON(http.StatusNotFound, gin.H{"error": msgVariantNotAvailable})
			return
		}
		if _, err := s.store.GetBlob(ctx, img.ID); err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				s.log.Error(op, zap.String("image_id", img.ID), zap.Error(err))
			}
			c.JSON(http.StatusNotFound, gin.H{"error": msgVariantNotAvailable})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"url":     "/images/" + img.ID + "/download?variant=" + ref.name,
			"variant": ref.name,
		})
		return
	}
	if s.objects == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": msgFileNotFound})
		return
	}

	if _, err := s.objects.Stat(ctx, key); err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			if img.Status == models.StatusProcessing {
				c.JSON(http.StatusAccepted, gin.H{"status": img.Status, "progress": img.Progress})
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"error": msgFileNotFound})
			return
		}
		s.log.Error(op, zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}

	expiry := s.cfg.SignedURL.Expiry()
	url, err := s.objects.PresignGet(ctx, key, expiry)
	if err != nil {
		s.log.Error(op, zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"url":       url,
		"variant":   ref.name,
		"expiresIn": int(expiry.Seconds()),
	})
}

func contentType(ct, key string) string {
	if ct != "" {
		return ct
	}
	if f, ok := imageproc.ParseExt(strings.TrimPrefix(path.Ext(key), ".")); ok {
		return f.MIME()
	}
	return "application/octet-stream"
}
