package scans

import (
	"context"

	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

type Repository interface {
	// Create appends a scan record; records are never updated or deleted.
	Create(ctx context.Context, rec *models.ScanRecord) error

	// LatestPerProvider returns the most recent record from each provider
	// that has ever scanned the file.
	LatestPerProvider(ctx context.Context, fileID string) ([]*models.ScanRecord, error)

	ListByFile(ctx context.Context, fileID string, limit int) ([]*models.ScanRecord, error)

	// NextAttempt returns 1 + the highest attempt number recorded for the
	// (file, provider) pair.
	NextAttempt(ctx context.Context, fileID, provider string) (int, error)
}
