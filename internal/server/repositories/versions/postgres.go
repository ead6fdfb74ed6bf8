package versions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/dbx"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// PostgresRepository implements version rows over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const versionColumns = `version_id, file_id, version_number, status, change_type, parent_version_id,
	checksum, size, storage_path, content_type, comment, metadata, is_locked,
	created_by, created_at, approved_by, approved_at, superseded_at, archived_at`

// Create inserts a new version row. A duplicate (file_id, version_number)
// surfaces as ErrVersionConflict so concurrent ingestions can retry.
func (r *PostgresRepository) Create(ctx context.Context, v *models.FileVersion) error {
	meta, err := json.Marshal(v.Metadata)
	if err != nil {
		return err
	}
	if v.Metadata == nil {
		meta = []byte("{}")
	}

	query := `
		INSERT INTO file_versions (version_id, file_id, version_number, status, change_type,
			parent_version_id, checksum, size, storage_path, content_type, comment, metadata,
			is_locked, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (file_id, version_number) DO NOTHING;
	`
	res, err := r.db.ExecContext(ctx, query,
		v.VersionID, v.FileID, v.VersionNumber, v.Status, v.ChangeType,
		v.ParentVersionID, v.Checksum, v.Size, v.StoragePath, v.ContentType, v.Comment, meta,
		v.IsLocked, v.CreatedBy)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: file %s version %d", common.ErrVersionConflict, v.FileID, v.VersionNumber)
	}
	return nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, versionID string) (*models.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE version_id = $1`
	return r.getOne(ctx, query, versionID)
}

func (r *PostgresRepository) GetByNumber(ctx context.Context, fileID string, number int) (*models.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE file_id = $1 AND version_number = $2`
	return r.getOne(ctx, query, fileID, number)
}

func (r *PostgresRepository) GetCurrent(ctx context.Context, fileID string) (*models.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions WHERE file_id = $1 AND status = 'current'`
	return r.getOne(ctx, query, fileID)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, args ...any) (*models.FileVersion, error) {
	row := r.db.QueryRowContext(ctx, query, args...)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: version", common.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to select version: %w", err)
	}
	return v, nil
}

// ListByFile returns versions newest first.
func (r *PostgresRepository) ListByFile(ctx context.Context, fileID string, limit, offset int) ([]*models.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions
		WHERE file_id = $1 ORDER BY version_number DESC LIMIT $2 OFFSET $3`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, query, fileID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PostgresRepository) CountByFile(ctx context.Context, fileID string) (int, error) {
	var n int
	query := `SELECT count(*) FROM file_versions WHERE file_id = $1 AND status <> 'deleted'`
	if err := r.db.QueryRowContext(ctx, query, fileID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count versions: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) MaxVersionNumber(ctx context.Context, fileID string) (int, error) {
	var n int
	query := `SELECT coalesce(max(version_number), 0) FROM file_versions WHERE file_id = $1`
	if err := r.db.QueryRowContext(ctx, query, fileID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to select max version: %w", err)
	}
	return n, nil
}

// SetStatus transitions a version's status. Locked versions are never
// modified; superseded_at and archived_at are stamped by the transition.
func (r *PostgresRepository) SetStatus(ctx context.Context, versionID string, status models.VersionStatus) error {
	query := `UPDATE file_versions SET status = $2,
		superseded_at = CASE WHEN $2 = 'superseded' THEN now() ELSE superseded_at END,
		archived_at = CASE WHEN $2 = 'archived' THEN now() ELSE archived_at END
		WHERE version_id = $1 AND NOT is_locked`
	res, err := r.db.ExecContext(ctx, query, versionID, status)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: version %s", common.ErrVersionLocked, versionID)
	}
	return nil
}

// Approve stamps the approver and promotes the version to current.
// Demotion of the prior current version happens in the same transaction at
// the service layer.
func (r *PostgresRepository) Approve(ctx context.Context, versionID, approver string) error {
	query := `UPDATE file_versions
		SET status = 'current', approved_by = $2, approved_at = now()
		WHERE version_id = $1 AND status IN ('draft', 'pending_review')`
	res, err := r.db.ExecContext(ctx, query, versionID, approver)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: version %s is not awaiting approval", common.ErrInvalidTransition, versionID)
	}
	return nil
}

func (r *PostgresRepository) SetLocked(ctx context.Context, versionID string, locked bool) error {
	query := `UPDATE file_versions SET is_locked = $2 WHERE version_id = $1`
	res, err := r.db.ExecContext(ctx, query, versionID, locked)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: version %s", common.ErrNotFound, versionID)
	}
	return nil
}

func (r *PostgresRepository) SelectSupersededBefore(ctx context.Context, cutoff time.Time) ([]*models.FileVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM file_versions
		WHERE status = 'superseded' AND superseded_at < $1 AND NOT is_locked`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select superseded: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*models.FileVersion, error) {
	var result []*models.FileVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (*models.FileVersion, error) {
	v := &models.FileVersion{}
	var meta []byte
	var approvedAt, supersededAt, archivedAt sql.NullTime

	err := row.Scan(
		&v.VersionID, &v.FileID, &v.VersionNumber, &v.Status, &v.ChangeType, &v.ParentVersionID,
		&v.Checksum, &v.Size, &v.StoragePath, &v.ContentType, &v.Comment, &meta, &v.IsLocked,
		&v.CreatedBy, &v.CreatedAt, &v.ApprovedBy, &approvedAt, &supersededAt, &archivedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(meta, &v.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		v.ApprovedAt = &t
	}
	if supersededAt.Valid {
		t := supersededAt.Time
		v.SupersededAt = &t
	}
	if archivedAt.Valid {
		t := archivedAt.Time
		v.ArchivedAt = &t
	}
	return v, nil
}
