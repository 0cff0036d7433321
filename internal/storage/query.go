package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"imagepipe/internal/models"
)

// sqliteTimeLayout is fixed width so that text comparison orders correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

const imageColumns = `i.id, i.original_filename, i.title, i.mime_type, i.size, i.width, i.height,
	i.format, i.channels, i.density, i.uploaded_at, i.metadata, i.user_id, i.album, i.tags,
	i.license, COALESCE(s.status, i.status), COALESCE(s.progress, 0), i.raw_path,
	i.thumbnail_path, i.responsive_paths, i.exif_data, COALESCE(s.error_message, i.error_message)`

const imageFrom = `images i LEFT JOIN image_status s ON s.image_id = i.id`

type dialect struct {
	placeholder func(n int) string
	like        string
	jsonText    func(col, key string) string
	timeArg     func(t time.Time) any
	// tagsContain returns a condition requiring every tag to be present.
	tagsContain func(b *queryBuilder, tags []string) string
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	like:        "ILIKE",
	jsonText: func(col, key string) string {
		return fmt.Sprintf("%s->>'%s'", col, key)
	},
	timeArg: func(t time.Time) any { return t.UTC() },
	tagsContain: func(b *queryBuilder, tags []string) string {
		return "i.tags @> " + b.arg(mustJSON(tags)) + "::jsonb"
	},
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	like:        "LIKE",
	jsonText: func(col, key string) string {
		return fmt.Sprintf("json_extract(%s, '$.%s')", col, key)
	},
	timeArg: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
	tagsContain: func(b *queryBuilder, tags []string) string {
		conds := make([]string, 0, len(tags))
		for _, t := range tags {
			conds = append(conds, "EXISTS (SELECT 1 FROM json_each(i.tags) WHERE json_each.value = "+b.arg(t)+")")
		}
		return strings.Join(conds, " AND ")
	},
}

type queryBuilder struct {
	d     dialect
	args  []any
	conds []string
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}

func (b *queryBuilder) where(cond string) {
	b.conds = append(b.conds, cond)
}

func (b *queryBuilder) whereClause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

func buildListFilter(d dialect, f models.ListFilter) *queryBuilder {
	b := &queryBuilder{d: d}
	if f.Search != "" {
		pattern := "%" + f.Search + "%"
		b.where(fmt.Sprintf("(i.original_filename %s %s OR i.title %s %s)", d.like, b.arg(pattern), d.like, b.arg(pattern)))
	}
	if f.Album != "" {
		b.where("i.album = " + b.arg(f.Album))
	}
	if f.Status != "" {
		b.where("COALESCE(s.status, i.status) = " + b.arg(f.Status))
	}
	if len(f.Tags) > 0 {
		b.where(d.tagsContain(b, f.Tags))
	}
	if f.DateFrom != nil {
		b.where("i.uploaded_at >= " + b.arg(d.timeArg(*f.DateFrom)))
	}
	if f.DateTo != nil {
		b.where("i.uploaded_at <= " + b.arg(d.timeArg(*f.DateTo)))
	}
	if f.Camera != "" {
		pattern := "%" + f.Camera + "%"
		b.where(fmt.Sprintf("(%s %s %s OR %s %s %s)",
			d.jsonText("i.exif_data", "Make"), d.like, b.arg(pattern),
			d.jsonText("i.exif_data", "Model"), d.like, b.arg(pattern)))
	}
	if f.Lens != "" {
		b.where(fmt.Sprintf("%s %s %s", d.jsonText("i.exif_data", "LensModel"), d.like, b.arg("%"+f.Lens+"%")))
	}
	if f.License != "" {
		b.where("i.license = " + b.arg(f.License))
	}
	return b
}

// listQueries returns the count and page queries sharing the builder's args;
// the page query appends LIMIT/OFFSET args.
func listQueries(d dialect, f models.ListFilter) (countSQL, pageSQL string, b *queryBuilder) {
	b = buildListFilter(d, f)
	where := b.whereClause()
	countSQL = "SELECT COUNT(*) FROM " + imageFrom + where
	pageSQL = fmt.Sprintf("SELECT %s FROM %s%s ORDER BY i.%s %s, i.id %s LIMIT %s OFFSET %s",
		imageColumns, imageFrom, where, f.SortBy, f.SortOrder, f.SortOrder,
		d.placeholder(len(b.args)+1), d.placeholder(len(b.args)+2))
	return countSQL, pageSQL, b
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*models.Image, error) {
	var (
		img                                  models.Image
		uploaded                             any
		metadata, tags, responsive, exifData []byte
		status                               string
	)
	err := row.Scan(&img.ID, &img.OriginalFilename, &img.Title, &img.MimeType, &img.Size,
		&img.Width, &img.Height, &img.Format, &img.Channels, &img.Density, &uploaded,
		&metadata, &img.UserID, &img.Album, &tags, &img.License, &status, &img.Progress,
		&img.RawPath, &img.ThumbnailPath, &responsive, &exifData, &img.ErrorMessage)
	if err != nil {
		return nil, err
	}
	img.Status = models.ImageStatus(status)
	if img.UploadedAt, err = parseTime(uploaded); err != nil {
		return nil, err
	}
	if err := decodeJSON(metadata, &img.Metadata); err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	if err := decodeJSON(tags, &img.Tags); err != nil {
		return nil, fmt.Errorf("tags: %w", err)
	}
	if err := decodeJSON(responsive, &img.ResponsivePaths); err != nil {
		return nil, fmt.Errorf("responsive_paths: %w", err)
	}
	if err := decodeJSON(exifData, &img.ExifData); err != nil {
		return nil, fmt.Errorf("exif_data: %w", err)
	}
	if img.Tags == nil {
		img.Tags = []string{}
	}
	return &img, nil
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return parseSQLiteTime(t)
	case []byte:
		return parseSQLiteTime(string(t))
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unsupported time value %T", v)
}

func parseSQLiteTime(s string) (time.Time, error) {
	if t, err := time.Parse(sqliteTimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func decodeJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func mustJSON(v any) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
