package attachments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/dbx"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// PostgresRepository implements attachment catalog rows over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const attachmentColumns = `file_id, patient_id, file_name, category, content_type, size, checksum,
	status, virus_scan_status, is_quarantined, needs_review, encrypted,
	storage_backend, storage_path, version, tags, custom_metadata,
	created_by, created_at, updated_at, last_accessed_at, access_count`

// Upsert inserts or replaces the catalog row by file_id.
func (r *PostgresRepository) Upsert(ctx context.Context, a *models.Attachment) error {
	tags, err := json.Marshal(orEmpty(a.Tags))
	if err != nil {
		return err
	}
	custom, err := json.Marshal(orEmpty(a.CustomMetadata))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO attachments (file_id, patient_id, file_name, category, content_type, size, checksum,
			status, virus_scan_status, is_quarantined, needs_review, encrypted,
			storage_backend, storage_path, version, tags, custom_metadata, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (file_id)
		DO UPDATE SET
			file_name = EXCLUDED.file_name,
			content_type = EXCLUDED.content_type,
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			status = EXCLUDED.status,
			virus_scan_status = EXCLUDED.virus_scan_status,
			is_quarantined = EXCLUDED.is_quarantined,
			needs_review = EXCLUDED.needs_review,
			encrypted = EXCLUDED.encrypted,
			storage_backend = EXCLUDED.storage_backend,
			storage_path = EXCLUDED.storage_path,
			version = EXCLUDED.version,
			tags = EXCLUDED.tags,
			custom_metadata = EXCLUDED.custom_metadata,
			updated_at = now();
	`
	_, err = r.db.ExecContext(ctx, query,
		a.FileID, a.PatientID, a.FileName, a.Category, a.ContentType, a.Size, a.Checksum,
		a.Status, a.VirusScanStatus, a.IsQuarantined, a.NeedsReview, a.Encrypted,
		a.StorageBackend, a.StoragePath, a.Version, tags, custom, a.CreatedBy)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns the row for fileID or common.ErrNotFound.
func (r *PostgresRepository) Get(ctx context.Context, fileID string) (*models.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE file_id = $1`
	row := r.db.QueryRowContext(ctx, query, fileID)
	a, err := scanAttachment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: attachment %s", common.ErrNotFound, fileID)
		}
		return nil, fmt.Errorf("failed to select attachment: %w", err)
	}
	return a, nil
}

// List returns rows matching the filter, newest first.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*models.Attachment, error) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}

	if f.PatientID != "" {
		add("patient_id = ", f.PatientID)
	}
	if f.Category != "" {
		add("category = ", f.Category)
	}
	if f.Status != "" {
		add("status = ", f.Status)
	}

	query := `SELECT ` + attachmentColumns + ` FROM attachments`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += " OFFSET $" + strconv.Itoa(len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListQuarantined returns every quarantined row.
func (r *PostgresRepository) ListQuarantined(ctx context.Context) ([]*models.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE is_quarantined ORDER BY updated_at DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list quarantined: %w", err)
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetScanVerdict updates scan outcome and visibility in one statement.
func (r *PostgresRepository) SetScanVerdict(ctx context.Context, fileID string, scanStatus models.ScanStatus, status models.AttachmentStatus, quarantined, needsReview bool) error {
	query := `UPDATE attachments
		SET virus_scan_status = $2, status = $3, is_quarantined = $4, needs_review = $5, updated_at = now()
		WHERE file_id = $1`
	return r.execOne(ctx, fileID, query, fileID, scanStatus, status, quarantined, needsReview)
}

// SetStatus updates only the visibility status.
func (r *PostgresRepository) SetStatus(ctx context.Context, fileID string, status models.AttachmentStatus) error {
	query := `UPDATE attachments SET status = $2, updated_at = now() WHERE file_id = $1`
	return r.execOne(ctx, fileID, query, fileID, status)
}

// SetVersion mirrors the current version's identity onto the catalog row.
func (r *PostgresRepository) SetVersion(ctx context.Context, fileID string, version int, checksum string, size int64, storagePath string) error {
	query := `UPDATE attachments
		SET version = $2, checksum = $3, size = $4, storage_path = $5, updated_at = now()
		WHERE file_id = $1`
	return r.execOne(ctx, fileID, query, fileID, version, checksum, size, storagePath)
}

// SetStoragePath repoints the row at a relocated object.
func (r *PostgresRepository) SetStoragePath(ctx context.Context, fileID, storagePath string) error {
	query := `UPDATE attachments SET storage_path = $2, updated_at = now() WHERE file_id = $1`
	return r.execOne(ctx, fileID, query, fileID, storagePath)
}

// TouchAccess bumps access statistics as a retrieval side effect.
func (r *PostgresRepository) TouchAccess(ctx context.Context, fileID string) error {
	query := `UPDATE attachments
		SET last_accessed_at = now(), access_count = access_count + 1
		WHERE file_id = $1`
	return r.execOne(ctx, fileID, query, fileID)
}

// DeleteRow removes the row entirely (permanent delete only).
func (r *PostgresRepository) DeleteRow(ctx context.Context, fileID string) error {
	query := `DELETE FROM attachments WHERE file_id = $1`
	return r.execOne(ctx, fileID, query, fileID)
}

func (r *PostgresRepository) execOne(ctx context.Context, fileID, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: attachment %s", common.ErrNotFound, fileID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttachment(row rowScanner) (*models.Attachment, error) {
	a := &models.Attachment{}
	var tags, custom []byte
	var lastAccessed sql.NullTime

	err := row.Scan(
		&a.FileID, &a.PatientID, &a.FileName, &a.Category, &a.ContentType, &a.Size, &a.Checksum,
		&a.Status, &a.VirusScanStatus, &a.IsQuarantined, &a.NeedsReview, &a.Encrypted,
		&a.StorageBackend, &a.StoragePath, &a.Version, &tags, &custom,
		&a.CreatedBy, &a.CreatedAt, &a.UpdatedAt, &lastAccessed, &a.AccessCount,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(tags, &a.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	if err := json.Unmarshal(custom, &a.CustomMetadata); err != nil {
		return nil, fmt.Errorf("decode custom metadata: %w", err)
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		a.LastAccessedAt = &t
	}
	return a, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
