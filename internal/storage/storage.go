// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"time"

	"imagepipe/internal/models"
)

type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

var ErrNotFound = errors.New("record not found")

// Store is the persistence layer shared by the gateway, the status tracker
// and the outcome consumer. Implementations must be safe for concurrent use.
type Store interface {
	// InsertImage creates the image row and its status row (processing, 0).
	// Inserting an existing id is a no-op.
	InsertImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id string) (*models.Image, error)
	ListImages(ctx context.Context, filter models.ListFilter) (*models.ListResult, error)
	UpdateImage(ctx context.Context, id string, upd models.ImageUpdate) error
	UpdateAfterProcessing(ctx context.Context, id string, res *models.ProcessResult) error
	DeleteImage(ctx context.Context, id string) error
	ExistingIDs(ctx context.Context, ids []string) ([]string, error)

	// UpdateProgress raises progress while the image is processing. Lower
	// values and updates on terminal rows are ignored.
	UpdateProgress(ctx context.Context, id string, progress int) error
	// UpdateStatus overwrites status, progress and error message.
	UpdateStatus(ctx context.Context, id string, status models.ImageStatus, progress int, errMsg string) error
	GetStatus(ctx context.Context, id string) (*models.StatusRecord, error)
	StalledImages(ctx context.Context, before time.Time) ([]string, error)

	InsertBlob(ctx context.Context, blob *models.Blob) error
	GetBlob(ctx context.Context, id string) (*models.Blob, error)

	Ping(ctx context.Context) error
	Backend() Backend
	Close()
}
