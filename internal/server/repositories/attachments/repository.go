package attachments

import (
	"context"

	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	PatientID string
	Category  models.FileCategory
	Status    models.AttachmentStatus
	Limit     int
	Offset    int
}

type Repository interface {
	Upsert(ctx context.Context, a *models.Attachment) error
	Get(ctx context.Context, fileID string) (*models.Attachment, error)
	List(ctx context.Context, f Filter) ([]*models.Attachment, error)
	ListQuarantined(ctx context.Context) ([]*models.Attachment, error)

	// SetScanVerdict is the single atomic status-update path shared by the
	// synchronous and asynchronous scan flows.
	SetScanVerdict(ctx context.Context, fileID string, scanStatus models.ScanStatus, status models.AttachmentStatus, quarantined, needsReview bool) error

	SetStatus(ctx context.Context, fileID string, status models.AttachmentStatus) error
	SetVersion(ctx context.Context, fileID string, version int, checksum string, size int64, storagePath string) error
	SetStoragePath(ctx context.Context, fileID, storagePath string) error
	TouchAccess(ctx context.Context, fileID string) error
	DeleteRow(ctx context.Context, fileID string) error
}
