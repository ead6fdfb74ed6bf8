package scans

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/dbx"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// PostgresRepository implements the append-only scan log over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, rec *models.ScanRecord) error {
	threats, err := json.Marshal(rec.Threats)
	if err != nil {
		return err
	}
	if rec.Threats == nil {
		threats = []byte("[]")
	}

	query := `
		INSERT INTO scan_records (file_id, provider, attempt, status, threat_level, is_clean,
			threats, skip_reason, scan_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.FileID, rec.Provider, rec.Attempt, rec.Status, rec.ThreatLevel, rec.IsClean,
		threats, rec.SkipReason, rec.ScanDuration.Milliseconds())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const scanColumns = `id, file_id, provider, attempt, status, threat_level, is_clean,
	threats, skip_reason, scan_duration_ms, scanned_at`

func (r *PostgresRepository) LatestPerProvider(ctx context.Context, fileID string) ([]*models.ScanRecord, error) {
	query := `SELECT DISTINCT ON (provider) ` + scanColumns + ` FROM scan_records
		WHERE file_id = $1 ORDER BY provider, scanned_at DESC`
	rows, err := r.db.QueryContext(ctx, query, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to select scan records: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PostgresRepository) ListByFile(ctx context.Context, fileID string, limit int) ([]*models.ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + scanColumns + ` FROM scan_records
		WHERE file_id = $1 ORDER BY scanned_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, fileID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan records: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PostgresRepository) NextAttempt(ctx context.Context, fileID, provider string) (int, error) {
	var n int
	query := `SELECT coalesce(max(attempt), 0) FROM scan_records WHERE file_id = $1 AND provider = $2`
	if err := r.db.QueryRowContext(ctx, query, fileID, provider).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to select max attempt: %w", err)
	}
	return n + 1, nil
}

func collect(rows *sql.Rows) ([]*models.ScanRecord, error) {
	var result []*models.ScanRecord
	for rows.Next() {
		rec := &models.ScanRecord{}
		var threats []byte
		var durationMs int64
		if err := rows.Scan(
			&rec.ID, &rec.FileID, &rec.Provider, &rec.Attempt, &rec.Status, &rec.ThreatLevel,
			&rec.IsClean, &threats, &rec.SkipReason, &durationMs, &rec.ScannedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(threats, &rec.Threats); err != nil {
			return nil, fmt.Errorf("decode threats: %w", err)
		}
		rec.ScanDuration = time.Duration(durationMs) * time.Millisecond
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
