package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"imagepipe/internal/models"
)

type SQLite struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)"
}

func NewSQLite(ctx context.Context, path string, log *zap.Logger) (*SQLite, error) {
	const op = "storage.NewSQLite"

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}
	if err := migrateSQLite(db, log); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &SQLite{db: db, log: log, now: time.Now}, nil
}

func (s *SQLite) Backend() Backend { return BackendSQLite }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.log.Warn("close sqlite", zap.Error(err))
	}
}

func (s *SQLite) timestamp() string {
	return s.now().UTC().Format(sqliteTimeLayout)
}

func (s *SQLite) InsertImage(ctx context.Context, img *models.Image) error {
	const op = "storage.SQLite.InsertImage"

	metadata, err := encodeJSON(img.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tags, err := encodeJSON(img.Tags, "[]")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	status := img.Status
	if status == "" {
		status = models.StatusProcessing
	}
	uploaded := img.UploadedAt
	if uploaded.IsZero() {
		uploaded = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO images (id, original_filename, title, mime_type, size, width, height, format,
			channels, density, uploaded_at, metadata, user_id, album, tags, license, status, raw_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.OriginalFilename, img.Title, img.MimeType, img.Size, img.Width, img.Height,
		img.Format, img.Channels, img.Density, uploaded.UTC().Format(sqliteTimeLayout), metadata,
		img.UserID, img.Album, tags, img.License, string(status), img.RawPath)
	if err != nil {
		return fmt.Errorf("%s: images: %w", op, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO image_status (image_id, status, progress, updated_at) VALUES (?, ?, 0, ?)`,
		img.ID, string(status), s.timestamp())
	if err != nil {
		return fmt.Errorf("%s: image_status: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLite) GetImage(ctx context.Context, id string) (*models.Image, error) {
	const op = "storage.SQLite.GetImage"

	row := s.db.QueryRowContext(ctx, "SELECT "+imageColumns+" FROM "+imageFrom+" WHERE i.id = ?", id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

func (s *SQLite) ListImages(ctx context.Context, filter models.ListFilter) (*models.ListResult, error) {
	const op = "storage.SQLite.ListImages"

	filter.Normalize()
	countSQL, pageSQL, b := listQueries(sqliteDialect, filter)

	var total int
	if err := s.db.QueryRowContext(ctx, countSQL, b.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("%s: count: %w", op, err)
	}

	rows, err := s.db.QueryContext(ctx, pageSQL, append(b.args, filter.Limit, filter.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	images := make([]*models.Image, 0, filter.Limit)
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &models.ListResult{Images: images, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

func (s *SQLite) UpdateImage(ctx context.Context, id string, upd models.ImageUpdate) error {
	const op = "storage.SQLite.UpdateImage"

	if upd.Empty() {
		return nil
	}
	var (
		sets []string
		args []any
	)
	if upd.Title != nil {
		sets, args = append(sets, "title = ?"), append(args, *upd.Title)
	}
	if upd.Album != nil {
		sets, args = append(sets, "album = ?"), append(args, *upd.Album)
	}
	if upd.License != nil {
		sets, args = append(sets, "license = ?"), append(args, *upd.License)
	}
	if upd.Tags != nil {
		sets, args = append(sets, "tags = ?"), append(args, mustJSON(upd.Tags))
	}
	if upd.Metadata != nil {
		sets, args = append(sets, "metadata = json_patch(metadata, ?)"), append(args, mustJSON(upd.Metadata))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, "UPDATE images SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return affected(res, op)
}

func (s *SQLite) UpdateAfterProcessing(ctx context.Context, id string, res *models.ProcessResult) error {
	const op = "storage.SQLite.UpdateAfterProcessing"

	responsive, err := encodeJSON(res.ResponsivePaths, "{}")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	exifData, err := encodeJSON(res.Exif, "{}")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	metadata, err := encodeJSON(res.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	r, err := s.db.ExecContext(ctx,
		`UPDATE images SET raw_path = ?, thumbnail_path = ?, responsive_paths = ?, exif_data = ?,
			metadata = json_patch(metadata, ?),
			density = CASE WHEN ? > 0 THEN ? ELSE density END
		WHERE id = ?`,
		res.RawPath, res.ThumbnailPath, responsive, exifData, metadata, res.Density, res.Density, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return affected(r, op)
}

func (s *SQLite) DeleteImage(ctx context.Context, id string) error {
	const op = "storage.SQLite.DeleteImage"

	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return affected(res, op)
}

func (s *SQLite) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	const op = "storage.SQLite.ExistingIDs"

	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx, "SELECT id FROM images WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var found []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		found = append(found, id)
	}
	return found, rows.Err()
}

func (s *SQLite) UpdateProgress(ctx context.Context, id string, progress int) error {
	const op = "storage.SQLite.UpdateProgress"

	res, err := s.db.ExecContext(ctx,
		`UPDATE image_status SET progress = MAX(progress, ?), updated_at = ?
		WHERE image_id = ? AND status = 'processing'`,
		clampProgress(progress), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM image_status WHERE image_id = ?)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status models.ImageStatus, progress int, errMsg string) error {
	const op = "storage.SQLite.UpdateStatus"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE image_status SET status = ?, progress = ?, error_message = ?, updated_at = ? WHERE image_id = ?`,
		string(status), clampProgress(progress), errMsg, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := affected(res, op); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE images SET status = ?, error_message = ? WHERE id = ?`,
		string(status), errMsg, id); err != nil {
		return fmt.Errorf("%s: images: %w", op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLite) GetStatus(ctx context.Context, id string) (*models.StatusRecord, error) {
	const op = "storage.SQLite.GetStatus"

	var (
		rec     models.StatusRecord
		status  string
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT image_id, status, progress, error_message, updated_at FROM image_status WHERE image_id = ?`, id).
		Scan(&rec.ImageID, &status, &rec.Progress, &rec.ErrorMessage, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rec.Status = models.ImageStatus(status)
	if rec.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &rec, nil
}

func (s *SQLite) StalledImages(ctx context.Context, before time.Time) ([]string, error) {
	const op = "storage.SQLite.StalledImages"

	rows, err := s.db.QueryContext(ctx,
		`SELECT image_id FROM image_status WHERE status = 'processing' AND updated_at < ? ORDER BY updated_at`,
		before.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) InsertBlob(ctx context.Context, blob *models.Blob) error {
	const op = "storage.SQLite.InsertBlob"

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO image_blobs (image_id, data, mime_type) VALUES (?, ?, ?)
		ON CONFLICT (image_id) DO UPDATE SET data = excluded.data, mime_type = excluded.mime_type`,
		blob.ImageID, blob.Data, blob.MimeType)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *SQLite) GetBlob(ctx context.Context, id string) (*models.Blob, error) {
	const op = "storage.SQLite.GetBlob"

	blob := models.Blob{ImageID: id}
	err := s.db.QueryRowContext(ctx, `SELECT data, mime_type FROM image_blobs WHERE image_id = ?`, id).
		Scan(&blob.Data, &blob.MimeType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &blob, nil
}

func affected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
