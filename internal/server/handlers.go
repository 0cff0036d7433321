package server

import (
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"imagepipe/internal/ingest"
	"imagepipe/internal/models"
	"imagepipe/internal/objectstore"
	"imagepipe/internal/storage"
)

const (
	msgImageNotFound   = "Image not found"
	msgNoFiles         = "No files uploaded"
	msgTooManyFiles    = "Too many files"
	msgInternal        = "Internal server error"
	msgInvalidImageIDs = "Invalid image IDs"
)

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"

	limit := int64(s.cfg.Upload.MaxFiles)*s.cfg.Upload.MaxFileSize + 1<<20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

	form, err := c.MultipartForm()
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoFiles})
		return
	}
	defer form.RemoveAll()

	headers := append(form.File["files"], form.File["images"]...)
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoFiles})
		return
	}
	if len(headers) > s.cfg.Upload.MaxFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgTooManyFiles})
		return
	}

	files := make([]ingest.File, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.log.Error(op, zap.String("filename", fh.Filename), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
			return
		}
		defer f.Close()
		files = append(files, ingest.File{
			Name:         fh.Filename,
			DeclaredType: fh.Header.Get("Content-Type"),
			Size:         fh.Size,
			Reader:       f,
		})
	}

	opts := ingest.Options{
		Title:  c.PostForm("title"),
		Album:  c.PostForm("album"),
		Tags:   models.SplitTags(c.PostForm("tags")),
		UserID: c.GetHeader("X-User-ID"),
	}
	results, err := s.ingest.Ingest(c.Request.Context(), files, opts)
	switch {
	case errors.Is(err, ingest.ErrNoFiles):
		c.JSON(http.StatusBadRequest, gin.H{"error": msgNoFiles})
		return
	case errors.Is(err, ingest.ErrTooManyFiles):
		c.JSON(http.StatusBadRequest, gin.H{"error": msgTooManyFiles})
		return
	case err != nil:
		s.log.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleListImages(c *gin.Context) {
	const op = "server.handleListImages"

	var filter models.ListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter.Tags = models.SplitTags(c.Query("tags"))

	var err error
	if filter.DateFrom, err = parseDate(c.Query("dateFrom"), false); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dateFrom"})
		return
	}
	if filter.DateTo, err = parseDate(c.Query("dateTo"), true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid dateTo"})
		return
	}
	if filter.Status != "" && !models.ImageStatus(filter.Status).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	res, err := s.store.ListImages(c.Request.Context(), filter)
	if err != nil {
		s.log.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	c.JSON(http.StatusOK, res)
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return &t, nil
}

func (s *Server) handleGetImage(c *gin.Context) {
	img, ok := s.loadImage(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, img)
}

func (s *Server) handleStatus(c *gin.Context) {
	const op = "server.handleStatus"

	rec, err := s.tracker.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": msgImageNotFound})
		return
	}
	if err != nil {
		s.log.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	const op = "server.handleDeleteImage"

	id := c.Param("id")
	if _, ok := s.loadImage(c); !ok {
		return
	}
	if err := s.deleteImage(c, id); err != nil {
		s.log.Error(op, zap.String("image_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	c.Status(http.StatusNoContent)
}

// deleteImage removes the row first; stored objects and the temp copy are
// cleaned up best effort.
func (s *Server) deleteImage(c *gin.Context, id string) error {
	ctx := c.Request.Context()
	if err := s.store.DeleteImage(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if s.objects != nil {
		if err := s.objects.DeletePrefix(ctx, objectstore.Prefix(id)); err != nil {
			s.log.Warn("delete image objects", zap.String("image_id", id), zap.Error(err))
		}
	}
	if dir := s.cfg.Upload.TempDir; dir != "" {
		if err := os.Remove(models.TempUploadPath(dir, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("delete temp upload", zap.String("image_id", id), zap.Error(err))
		}
	}
	return nil
}

type bulkRequest struct {
	ImageIDs  []string       `json:"imageIds" binding:"required,min=1"`
	Operation string         `json:"operation" binding:"required,oneof=update delete move"`
	Data      map[string]any `json:"data"`
}

func (s *Server) handleBulk(c *gin.Context) {
	const op = "server.handleBulk"
	ctx := c.Request.Context()

	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var upd models.ImageUpdate
	switch req.Operation {
	case "update":
		upd = updateFromData(req.Data)
		if upd.Empty() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to update"})
			return
		}
	case "move":
		album, _ := req.Data["album"].(string)
		if album == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Target album is required"})
			return
		}
		upd.Album = &album
	}

	existing, err := s.store.ExistingIDs(ctx, req.ImageIDs)
	if err != nil {
		s.log.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return
	}
	if invalid := missingIDs(req.ImageIDs, existing); len(invalid) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidImageIDs, "invalidIds": invalid})
		return
	}

	processed := 0
	for _, id := range req.ImageIDs {
		if req.Operation == "delete" {
			err = s.deleteImage(c, id)
		} else {
			err = s.store.UpdateImage(ctx, id, upd)
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Error(op, zap.String("image_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal, "processed": processed})
			return
		}
		processed++
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "processed": processed, "operation": req.Operation})
}

func updateFromData(data map[string]any) models.ImageUpdate {
	var upd models.ImageUpdate
	str := func(key string) *string {
		if v, ok := data[key].(string); ok {
			return &v
		}
		return nil
	}
	upd.Title = str("title")
	upd.Album = str("album")
	upd.License = str("license")

	switch tags := data["tags"].(type) {
	case string:
		upd.Tags = models.SplitTags(tags)
		if upd.Tags == nil {
			upd.Tags = []string{}
		}
	case []any:
		upd.Tags = []string{}
		for _, t := range tags {
			if v, ok := t.(string); ok && v != "" {
				upd.Tags = append(upd.Tags, v)
			}
		}
	}
	if meta, ok := data["metadata"].(map[string]any); ok {
		upd.Metadata = meta
	}
	return upd
}

func missingIDs(requested, existing []string) []string {
	found := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		found[id] = struct{}{}
	}
	var missing []string
	for _, id := range requested {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func (s *Server) loadImage(c *gin.Context) (*models.Image, bool) {
	const op = "server.loadImage"

	img, err := s.store.GetImage(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": msgImageNotFound})
		return nil, false
	}
	if err != nil {
		s.log.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
		return nil, false
	}
	return img, true
}
