package versions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, v *models.FileVersion) error
	GetByID(ctx context.Context, versionID string) (*models.FileVersion, error)
	GetByNumber(ctx context.Context, fileID string, number int) (*models.FileVersion, error)
	GetCurrent(ctx context.Context, fileID string) (*models.FileVersion, error)
	ListByFile(ctx context.Context, fileID string, limit, offset int) ([]*models.FileVersion, error)
	CountByFile(ctx context.Context, fileID string) (int, error)
	MaxVersionNumber(ctx context.Context, fileID string) (int, error)

	// SetStatus transitions a version's status, stamping superseded_at or
	// archived_at when appropriate.
	SetStatus(ctx context.Context, versionID string, status models.VersionStatus) error
	Approve(ctx context.Context, versionID, approver string) error
	SetLocked(ctx context.Context, versionID string, locked bool) error

	// SelectSupersededBefore returns superseded versions whose supersession
	// predates cutoff, for archival sweeps.
	SelectSupersededBefore(ctx context.Context, cutoff time.Time) ([]*models.FileVersion, error)
}
