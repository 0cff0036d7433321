package models

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type ImageStatus string

const (
	StatusProcessing ImageStatus = "processing"
	StatusCompleted  ImageStatus = "completed"
	StatusFailed     ImageStatus = "failed"
)

func (s ImageStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends a processing attempt.
func (s ImageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResponsivePaths maps a breakpoint key ("640") to format extension -> object key.
type ResponsivePaths map[string]map[string]string

func (p ResponsivePaths) Key(breakpoint, ext string) string {
	if p == nil {
		return ""
	}
	return p[breakpoint][ext]
}

type Image struct {
	ID               string          `json:"id"`
	OriginalFilename string          `json:"original_filename"`
	Title            string          `json:"title,omitempty"`
	MimeType         string          `json:"mime_type"`
	Size             int64           `json:"size"`
	Width            int             `json:"width"`
	Height           int             `json:"height"`
	Format           string          `json:"format"`
	Channels         int             `json:"channels"`
	Density          int             `json:"density,omitempty"`
	UploadedAt       time.Time       `json:"uploaded_at"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	Album            string          `json:"album,omitempty"`
	Tags             []string        `json:"tags"`
	License          string          `json:"license,omitempty"`
	Status           ImageStatus     `json:"status"`
	Progress         int             `json:"progress"`
	RawPath          string          `json:"raw_path,omitempty"`
	ThumbnailPath    string          `json:"thumbnail_path,omitempty"`
	ResponsivePaths  ResponsivePaths `json:"responsive_paths,omitempty"`
	ExifData         map[string]any  `json:"exif_data,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

type StatusRecord struct {
	ImageID      string      `json:"image_id"`
	Status       ImageStatus `json:"status"`
	Progress     int         `json:"progress"`
	ErrorMessage string      `json:"error_message,omitempty"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Blob is the inline original kept by direct-persistence deployments.
type Blob struct {
	ImageID  string
	Data     []byte
	MimeType string
}

// ImageUpdate carries the fields a bulk update may change; nil means untouched.
type ImageUpdate struct {
	Title    *string        `json:"title,omitempty"`
	Album    *string        `json:"album,omitempty"`
	Tags     []string       `json:"tags,omitempty"`
	License  *string        `json:"license,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (u ImageUpdate) Empty() bool {
	return u.Title == nil && u.Album == nil && u.Tags == nil && u.License == nil && u.Metadata == nil
}

// Job is the unit of work handed from the gateway to the worker pool.
type Job struct {
	ImageID    string    `json:"image_id"`
	SourcePath string    `json:"source_path,omitempty"`
	Payload    []byte    `json:"payload,omitempty"`
	Filename   string    `json:"filename"`
	MimeType   string    `json:"mime_type"`
	Attempt    int       `json:"attempt,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type ProcessResult struct {
	RawPath         string          `json:"raw_path"`
	ThumbnailPath   string          `json:"thumbnail_path"`
	ResponsivePaths ResponsivePaths `json:"responsive_paths"`
	Metadata        map[string]any  `json:"metadata"`
	Exif            map[string]any  `json:"exif"`
	Density         int             `json:"density,omitempty"`
}

type OutcomeKind string

const (
	OutcomeProgress  OutcomeKind = "progress"
	OutcomeRetrying  OutcomeKind = "retrying"
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
)

func (k OutcomeKind) Terminal() bool {
	return k == OutcomeCompleted || k == OutcomeFailed
}

// Outcome is a job-outcome message published by workers and applied by the
// gateway's status consumer.
type Outcome struct {
	Kind     OutcomeKind    `json:"kind"`
	ImageID  string         `json:"image_id"`
	Progress int            `json:"progress,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`
	Error    string         `json:"error,omitempty"`
	Result   *ProcessResult `json:"result,omitempty"`
	At       time.Time      `json:"at"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

var sortColumns = map[string]string{
	"uploaded_at":       "uploaded_at",
	"uploadedAt":        "uploaded_at",
	"original_filename": "original_filename",
	"filename":          "original_filename",
	"size":              "size",
	"width":             "width",
	"height":            "height",
}

type ListFilter struct {
	Search    string     `form:"search"`
	Album     string     `form:"album"`
	Status    string     `form:"status"`
	Tags      []string   `form:"-"`
	DateFrom  *time.Time `form:"-"`
	DateTo    *time.Time `form:"-"`
	Camera    string     `form:"camera"`
	Lens      string     `form:"lens"`
	License   string     `form:"license"`
	SortBy    string     `form:"sortBy"`
	SortOrder string     `form:"sortOrder"`
	Page      int        `form:"page"`
	Limit     int        `form:"limit"`
}

// Normalize clamps paging and whitelists sorting.
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = "uploaded_at"
	}
	f.SortBy = col
	if strings.EqualFold(f.SortOrder, "asc") {
		f.SortOrder = "ASC"
	} else {
		f.SortOrder = "DESC"
	}
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

type ListResult struct {
	Images []*Image `json:"images"`
	Total  int      `json:"total"`
	Page   int      `json:"page"`
	Limit  int      `json:"limit"`
}

// SplitTags turns "a, b,,c" into [a b c].
func SplitTags(raw string) []string {
	var tags []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func BreakpointKey(size int) string {
	return strconv.Itoa(size)
}

// TempUploadPath is where the gateway keeps an upload until its job reaches
// a terminal outcome.
func TempUploadPath(dir, imageID string) string {
	return filepath.Join(dir, imageID+".upload")
}
