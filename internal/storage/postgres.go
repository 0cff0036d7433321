package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"imagepipe/internal/models"
)

type Postgres struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewPostgres(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	const op = "storage.NewPostgres"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}
	if err := migratePostgres(dsn, log); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Postgres{pool: pool, log: log}, nil
}

func (p *Postgres) Backend() Backend { return BackendPostgres }

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) InsertImage(ctx context.Context, img *models.Image) error {
	const op = "storage.Postgres.InsertImage"

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

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO images (id, original_filename, title, mime_type, size, width, height, format,
			channels, density, uploaded_at, metadata, user_id, album, tags, license, status, raw_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $15::jsonb, $16, $17, $18)
		ON CONFLICT (id) DO NOTHING`,
		img.ID, img.OriginalFilename, img.Title, img.MimeType, img.Size, img.Width, img.Height,
		img.Format, img.Channels, img.Density, img.UploadedAt.UTC(), metadata, img.UserID,
		img.Album, tags, img.License, string(status), img.RawPath)
	if err != nil {
		return fmt.Errorf("%s: images: %w", op, err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO image_status (image_id, status, progress, updated_at)
		VALUES ($1, $2, 0, NOW())
		ON CONFLICT (image_id) DO NOTHING`,
		img.ID, string(status))
	if err != nil {
		return fmt.Errorf("%s: image_status: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Postgres) GetImage(ctx context.Context, id string) (*models.Image, error) {
	const op = "storage.Postgres.GetImage"

	row := p.pool.QueryRow(ctx, "SELECT "+imageColumns+" FROM "+imageFrom+" WHERE i.id = $1", id)
	img, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

func (p *Postgres) ListImages(ctx context.Context, filter models.ListFilter) (*models.ListResult, error) {
	const op = "storage.Postgres.ListImages"

	filter.Normalize()
	countSQL, pageSQL, b := listQueries(postgresDialect, filter)

	var total int
	if err := p.pool.QueryRow(ctx, countSQL, b.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("%s: count: %w", op, err)
	}

	rows, err := p.pool.Query(ctx, pageSQL, append(b.args, filter.Limit, filter.Offset())...)
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

func (p *Postgres) UpdateImage(ctx context.Context, id string, upd models.ImageUpdate) error {
	const op = "storage.Postgres.UpdateImage"

	if upd.Empty() {
		return nil
	}
	b := &queryBuilder{d: postgresDialect}
	var sets []string
	if upd.Title != nil {
		sets = append(sets, "title = "+b.arg(*upd.Title))
	}
	if upd.Album != nil {
		sets = append(sets, "album = "+b.arg(*upd.Album))
	}
	if upd.License != nil {
		sets = append(sets, "license = "+b.arg(*upd.License))
	}
	if upd.Tags != nil {
		sets = append(sets, "tags = "+b.arg(mustJSON(upd.Tags))+"::jsonb")
	}
	if upd.Metadata != nil {
		sets = append(sets, "metadata = metadata || "+b.arg(mustJSON(upd.Metadata))+"::jsonb")
	}

	tag, err := p.pool.Exec(ctx,
		"UPDATE images SET "+strings.Join(sets, ", ")+" WHERE id = "+b.arg(id), b.args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateAfterProcessing(ctx context.Context, id string, res *models.ProcessResult) error {
	const op = "storage.Postgres.UpdateAfterProcessing"

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

	tag, err := p.pool.Exec(ctx,
		`UPDATE images SET raw_path = $2, thumbnail_path = $3, responsive_paths = $4::jsonb,
			exif_data = $5::jsonb, metadata = metadata || $6::jsonb,
			density = CASE WHEN $7::int > 0 THEN $7::int ELSE density END
		WHERE id = $1`,
		id, res.RawPath, res.ThumbnailPath, responsive, exifData, metadata, res.Density)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteImage(ctx context.Context, id string) error {
	const op = "storage.Postgres.DeleteImage"

	tag, err := p.pool.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	const op = "storage.Postgres.ExistingIDs"

	rows, err := p.pool.Query(ctx, `SELECT id FROM images WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return found, nil
}

func (p *Postgres) UpdateProgress(ctx context.Context, id string, progress int) error {
	const op = "storage.Postgres.UpdateProgress"

	tag, err := p.pool.Exec(ctx,
		`UPDATE image_status SET progress = GREATEST(progress, $2), updated_at = NOW()
		WHERE image_id = $1 AND status = 'processing'`,
		id, clampProgress(progress))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM image_status WHERE image_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, status models.ImageStatus, progress int, errMsg string) error {
	const op = "storage.Postgres.UpdateStatus"

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE image_status SET status = $2, progress = $3, error_message = $4, updated_at = NOW()
		WHERE image_id = $1`,
		id, string(status), clampProgress(progress), errMsg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `UPDATE images SET status = $2, error_message = $3 WHERE id = $1`,
		id, string(status), errMsg); err != nil {
		return fmt.Errorf("%s: images: %w", op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Postgres) GetStatus(ctx context.Context, id string) (*models.StatusRecord, error) {
	const op = "storage.Postgres.GetStatus"

	var (
		rec    models.StatusRecord
		status string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT image_id, status, progress, error_message, updated_at FROM image_status WHERE image_id = $1`, id).
		Scan(&rec.ImageID, &status, &rec.Progress, &rec.ErrorMessage, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	rec.Status = models.ImageStatus(status)
	return &rec, nil
}

func (p *Postgres) StalledImages(ctx context.Context, before time.Time) ([]string, error) {
	const op = "storage.Postgres.StalledImages"

	rows, err := p.pool.Query(ctx,
		`SELECT image_id FROM image_status WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at`,
		before.UTC())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

func (p *Postgres) InsertBlob(ctx context.Context, blob *models.Blob) error {
	const op = "storage.Postgres.InsertBlob"

	_, err := p.pool.Exec(ctx,
		`INSERT INTO image_blobs (image_id, data, mime_type) VALUES ($1, $2, $3)
		ON CONFLICT (image_id) DO UPDATE SET data = EXCLUDED.data, mime_type = EXCLUDED.mime_type`,
		blob.ImageID, blob.Data, blob.MimeType)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Postgres) GetBlob(ctx context.Context, id string) (*models.Blob, error) {
	const op = "storage.Postgres.GetBlob"

	blob := models.Blob{ImageID: id}
	err := p.pool.QueryRow(ctx, `SELECT data, mime_type FROM image_blobs WHERE image_id = $1`, id).
		Scan(&blob.Data, &blob.MimeType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &blob, nil
}
