// Package manager is the storage orchestrator: the single entry point that
// validates, categorizes, versions, encrypts, persists, and triggers
// scanning for every file passing through the pipeline.
package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/auth"
	"github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/metrics"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/attachments"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/docuvault/internal/server/scans"
	"github.com/dmitrijs2005/docuvault/internal/server/storage"
	"github.com/dmitrijs2005/docuvault/internal/server/uploads"
	versionsvc "github.com/dmitrijs2005/docuvault/internal/server/versions"
)

// StoreRequest carries everything needed to ingest one payload.
type StoreRequest struct {
	Data        []byte
	FileName    string
	ContentType string
	// Category may be empty; it is then derived from filename/content type.
	Category  models.FileCategory
	PatientID string
	// Scope prefixes unscoped keys; defaults to "files".
	Scope string
	// FileID targets an existing logical file. When set and the file
	// exists, ingestion records a new version instead of overwriting.
	FileID string

	Backend string
	// Encrypt overrides the configured default when non-nil.
	Encrypt *bool

	ChangeType       models.ChangeType
	Comment          string
	RequiresApproval bool

	Tags           map[string]string
	CustomMetadata map[string]string
}

// Manager composes the backends, codec, version engine, upload sessions
// and scan orchestrator behind one interface.
type Manager struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	registry *storage.Registry
	codec    *cryptox.Codec
	versions *versionsvc.Service
	sessions *uploads.Manager
	scanner  *scans.Orchestrator
	hinter   Hinter
	config   *config.Config
	logger   logging.Logger
	metrics  *metrics.Metrics
	zdec     *zstd.Decoder
}

func NewManager(db *sql.DB, repos repomanager.RepositoryManager, reg *storage.Registry,
	codec *cryptox.Codec, vs *versionsvc.Service, um *uploads.Manager,
	sc *scans.Orchestrator, cfg *config.Config, logger logging.Logger, m *metrics.Metrics) *Manager {

	mgr := &Manager{
		db:       db,
		repos:    repos,
		registry: reg,
		codec:    codec,
		versions: vs,
		sessions: um,
		scanner:  sc,
		config:   cfg,
		logger:   logger.With("component", "manager"),
		metrics:  m,
	}
	mgr.zdec, _ = zstd.NewReader(nil)
	sc.SetFetcher(mgr.fetchContent)
	um.SetCompleteFunc(mgr.completeSession)
	um.SetCancelFunc(mgr.cancelSession)
	return mgr
}

// SetHinter installs the optional categorization hint collaborator.
func (m *Manager) SetHinter(h Hinter) { m.hinter = h }

func (m *Manager) categorize(ctx context.Context, req *StoreRequest) models.FileCategory {
	if req.Category != "" {
		return req.Category
	}
	if m.hinter != nil {
		if cat, ok := m.hinter.Suggest(ctx, req.FileName, req.ContentType); ok {
			return cat
		}
	}
	return Categorize(req.FileName, req.ContentType)
}

func (m *Manager) policyFor(cat models.FileCategory) (config.CategoryPolicy, error) {
	p, ok := m.config.Categories[cat]
	if !ok {
		return config.CategoryPolicy{}, fmt.Errorf("%w: %s", common.ErrInvalidCategory, cat)
	}
	return p, nil
}

func (m *Manager) validate(req *StoreRequest, cat models.FileCategory) error {
	p, err := m.policyFor(cat)
	if err != nil {
		return err
	}
	if int64(len(req.Data)) > p.MaxSizeBytes {
		return fmt.Errorf("%w: %d bytes exceeds %s limit of %d",
			common.ErrFileTooLarge, len(req.Data), cat, p.MaxSizeBytes)
	}
	if !p.Allows(req.ContentType) {
		return fmt.Errorf("%w: %s not allowed for %s", common.ErrContentTypeDenied, req.ContentType, cat)
	}
	return nil
}

// buildKey lays out object keys as {scope}/{category}/{date}/{uuid}, or
// patients/{patientID}/... for patient-scoped files.
func (m *Manager) buildKey(patientID, scope string, cat models.FileCategory) string {
	date := time.Now().UTC().Format("2006-01-02")
	id := uuid.New().String()
	if patientID != "" {
		return fmt.Sprintf("patients/%s/%s/%s/%s", patientID, cat, date, id)
	}
	if scope == "" {
		scope = "files"
	}
	return fmt.Sprintf("%s/%s/%s/%s", scope, cat, date, id)
}

func (m *Manager) backendFor(kind string) (storage.Backend, error) {
	if kind == "" {
		return m.registry.Default()
	}
	return m.registry.Get(kind)
}

// StoreFile ingests one payload end to end and returns the catalog row.
func (m *Manager) StoreFile(ctx context.Context, req StoreRequest) (*models.Attachment, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", common.ErrValidation)
	}
	if req.ContentType == "" {
		req.ContentType = detectContentType(req.FileName, req.Data)
	}

	cat := m.categorize(ctx, &req)
	if err := m.validate(&req, cat); err != nil {
		return nil, err
	}

	checksum := cryptox.Checksum(req.Data)

	encrypt := m.config.EncryptByDefault
	if req.Encrypt != nil {
		encrypt = *req.Encrypt
	}
	if encrypt && m.codec == nil {
		return nil, fmt.Errorf("%w: encryption requested without a configured key", common.ErrValidation)
	}

	// Versioned update of an existing logical file.
	if req.FileID != "" {
		if existing, err := m.repos.Attachments(m.db).Get(ctx, req.FileID); err == nil {
			return m.storeNewVersion(ctx, existing, &req, cat, checksum)
		} else if err != nil && !isNotFound(err) {
			return nil, err
		}
	}

	backend, err := m.backendFor(req.Backend)
	if err != nil {
		return nil, err
	}

	fileID := req.FileID
	if fileID == "" {
		fileID = m.buildKey(req.PatientID, req.Scope, cat)
	}
	key, err := storage.SanitizeKey(fileID)
	if err != nil {
		return nil, err
	}

	payload := req.Data
	if encrypt {
		payload, err = m.codec.Encrypt(req.Data)
		if err != nil {
			return nil, err
		}
	}

	if _, err := backend.Put(ctx, key, payload, storage.ObjectMetadata{
		ContentType: req.ContentType,
		Checksum:    checksum,
		Encrypted:   encrypt,
		Tags:        req.Tags,
		Custom:      req.CustomMetadata,
	}); err != nil {
		return nil, fmt.Errorf("store %s: %w", key, err)
	}

	status := models.AttachmentPending
	if m.config.ScanMode == config.ScanModeAsync {
		// Provisionally visible; a background verdict can still demote it.
		status = models.AttachmentAvailable
	}

	att := &models.Attachment{
		FileID:          key,
		PatientID:       req.PatientID,
		FileName:        req.FileName,
		Category:        cat,
		ContentType:     req.ContentType,
		Size:            int64(len(req.Data)),
		Checksum:        checksum,
		Status:          status,
		VirusScanStatus: models.ScanPending,
		Encrypted:       encrypt,
		StorageBackend:  backend.Kind(),
		StoragePath:     key,
		Version:         1,
		Tags:            req.Tags,
		CustomMetadata:  req.CustomMetadata,
		CreatedBy:       auth.ActorID(ctx),
	}
	if err := m.repos.Attachments(m.db).Upsert(ctx, att); err != nil {
		return nil, err
	}

	if _, err := m.versions.Create(ctx, versionsvc.CreateParams{
		FileID:           key,
		Checksum:         checksum,
		Size:             att.Size,
		StoragePath:      key,
		ContentType:      req.ContentType,
		ChangeType:       req.ChangeType,
		Comment:          req.Comment,
		Metadata:         req.CustomMetadata,
		RequiresApproval: req.RequiresApproval,
	}); err != nil {
		return nil, err
	}

	m.metrics.BytesStored.Add(float64(len(req.Data)))

	if err := m.triggerScan(ctx, key, req.FileName, req.Data); err != nil {
		return nil, err
	}

	return m.repos.Attachments(m.db).Get(ctx, key)
}

// storeNewVersion persists the payload under a fresh per-version path and
// records it through the version engine.
func (m *Manager) storeNewVersion(ctx context.Context, att *models.Attachment, req *StoreRequest,
	cat models.FileCategory, checksum string) (*models.Attachment, error) {

	backend, err := m.backendFor(att.StorageBackend)
	if err != nil {
		return nil, err
	}

	path := versionsvc.VersionPath(att.FileID)

	payload := req.Data
	if att.Encrypted {
		payload, err = m.codec.Encrypt(req.Data)
		if err != nil {
			return nil, err
		}
	}

	if _, err := backend.Put(ctx, path, payload, storage.ObjectMetadata{
		ContentType: req.ContentType,
		Checksum:    checksum,
		Encrypted:   att.Encrypted,
		Tags:        req.Tags,
		Custom:      req.CustomMetadata,
	}); err != nil {
		return nil, fmt.Errorf("store version of %s: %w", att.FileID, err)
	}

	if _, err := m.versions.Create(ctx, versionsvc.CreateParams{
		FileID:           att.FileID,
		Checksum:         checksum,
		Size:             int64(len(req.Data)),
		StoragePath:      path,
		ContentType:      req.ContentType,
		ChangeType:       req.ChangeType,
		Comment:          req.Comment,
		Metadata:         req.CustomMetadata,
		RequiresApproval: req.RequiresApproval,
	}); err != nil {
		return nil, err
	}

	m.metrics.BytesStored.Add(float64(len(req.Data)))

	if err := m.triggerScan(ctx, att.FileID, req.FileName, req.Data); err != nil {
		return nil, err
	}

	return m.repos.Attachments(m.db).Get(ctx, att.FileID)
}

func (m *Manager) triggerScan(ctx context.Context, fileID, filename string, data []byte) error {
	if m.config.ScanMode == config.ScanModeSync {
		_, err := m.scanner.ScanData(ctx, fileID, data, filename)
		return err
	}
	return m.scanner.Enqueue(ctx, fileID, filename, data)
}

// RetrieveFile returns the content of a file, or of one historical version
// when versionNumber > 0. Access stats are updated as a side effect.
func (m *Manager) RetrieveFile(ctx context.Context, fileID string, versionNumber int, decrypt bool) ([]byte, *models.Attachment, error) {
	att, err := m.repos.Attachments(m.db).Get(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if err := m.checkReadable(att); err != nil {
		return nil, nil, err
	}

	path, checksum := att.StoragePath, att.Checksum
	if versionNumber > 0 {
		v, err := m.versions.Get(ctx, fileID, versionNumber)
		if err != nil {
			return nil, nil, err
		}
		path, checksum = v.StoragePath, v.Checksum
	}

	backend, err := m.backendFor(att.StorageBackend)
	if err != nil {
		return nil, nil, err
	}

	data, meta, err := backend.Get(ctx, path, "")
	if err != nil {
		return nil, nil, err
	}

	if data, err = m.maybeDecompress(data, meta); err != nil {
		return nil, nil, fmt.Errorf("file %s: %w", fileID, err)
	}

	if meta.Encrypted {
		if !decrypt {
			return data, att, nil
		}
		if m.codec == nil {
			return nil, nil, fmt.Errorf("%w: no decryption key configured", common.ErrValidation)
		}
		data, err = m.codec.Decrypt(data)
		if err != nil {
			return nil, nil, err
		}
		if err := cryptox.VerifyChecksum(data, checksum); err != nil {
			return nil, nil, fmt.Errorf("file %s: %w", fileID, err)
		}
	}

	if err := m.repos.Attachments(m.db).TouchAccess(ctx, fileID); err != nil {
		m.logger.Warn(ctx, "access stats not updated", "file_id", fileID, "error", err.Error())
	}
	return data, att, nil
}

func (m *Manager) checkReadable(att *models.Attachment) error {
	switch {
	case att.Status == models.AttachmentDeleted:
		return fmt.Errorf("%w: file %s is deleted", common.ErrNotFound, att.FileID)
	case att.IsQuarantined || att.Status == models.AttachmentQuarantined:
		return fmt.Errorf("%w: file %s", common.ErrQuarantined, att.FileID)
	}
	return nil
}

// deleteHistoryPageSize bounds one page of the version walk during a
// permanent delete.
const deleteHistoryPageSize = 200

// DeleteFile soft-deletes by default. Permanent deletion removes every
// version's object and the catalog row.
func (m *Manager) DeleteFile(ctx context.Context, fileID string, permanent bool) error {
	att, err := m.repos.Attachments(m.db).Get(ctx, fileID)
	if err != nil {
		return err
	}

	if !permanent {
		return m.repos.Attachments(m.db).SetStatus(ctx, fileID, models.AttachmentDeleted)
	}

	backend, err := m.backendFor(att.StorageBackend)
	if err != nil {
		return err
	}

	// The repository caps unbounded listings, so walk the history page by
	// page; a file can accumulate more versions than one page holds.
	for offset := 0; ; offset += deleteHistoryPageSize {
		history, err := m.versions.History(ctx, fileID, deleteHistoryPageSize, offset)
		if err != nil {
			if isNotFound(err) {
				break
			}
			return err
		}
		for _, v := range history {
			if v.StoragePath == att.StoragePath {
				continue
			}
			if err := backend.Delete(ctx, v.StoragePath, "", true); err != nil && !isNotFound(err) {
				return err
			}
		}
		if len(history) < deleteHistoryPageSize {
			break
		}
	}
	if err := backend.Delete(ctx, att.StoragePath, "", true); err != nil && !isNotFound(err) {
		return err
	}

	if err := m.repos.Attachments(m.db).DeleteRow(ctx, fileID); err != nil {
		return err
	}
	m.logger.Info(ctx, "file permanently deleted", "file_id", fileID, "actor", auth.ActorID(ctx))
	return nil
}

// ListFiles queries the catalog.
func (m *Manager) ListFiles(ctx context.Context, f attachments.Filter) ([]*models.Attachment, error) {
	return m.repos.Attachments(m.db).List(ctx, f)
}

// GetFile returns the catalog row without touching content.
func (m *Manager) GetFile(ctx context.Context, fileID string) (*models.Attachment, error) {
	return m.repos.Attachments(m.db).Get(ctx, fileID)
}

// GenerateDownloadURL issues a presigned GET. Quarantined and deleted
// files are refused until released or restored.
func (m *Manager) GenerateDownloadURL(ctx context.Context, fileID string, ttl time.Duration) (string, error) {
	att, err := m.repos.Attachments(m.db).Get(ctx, fileID)
	if err != nil {
		return "", err
	}
	if err := m.checkReadable(att); err != nil {
		return "", err
	}

	backend, err := m.backendFor(att.StorageBackend)
	if err != nil {
		return "", err
	}
	return backend.PresignedURL(ctx, att.StoragePath, storage.PresignGet, ttl)
}

// GenerateUploadURL issues a presigned PUT for a file's storage path.
func (m *Manager) GenerateUploadURL(ctx context.Context, fileID string, ttl time.Duration) (string, error) {
	att, err := m.repos.Attachments(m.db).Get(ctx, fileID)
	if err != nil {
		return "", err
	}
	if err := m.checkReadable(att); err != nil {
		return "", err
	}

	backend, err := m.backendFor(att.StorageBackend)
	if err != nil {
		return "", err
	}
	return backend.PresignedURL(ctx, att.StoragePath, storage.PresignPut, ttl)
}

// CreateUploadSession validates the intake up front and opens a session.
// The reassembled payload flows back through StoreFile on completion.
func (m *Manager) CreateUploadSession(ctx context.Context, fileName, contentType string,
	cat models.FileCategory, patientID string, totalSize int64,
	quality models.ConnectionQuality) (*uploads.Session, error) {

	if contentType == "" {
		contentType = detectContentType(fileName, nil)
	}
	if cat == "" {
		cat = Categorize(fileName, contentType)
	}
	p, err := m.policyFor(cat)
	if err != nil {
		return nil, err
	}
	if totalSize > p.MaxSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds %s limit of %d",
			common.ErrFileTooLarge, totalSize, cat, p.MaxSizeBytes)
	}
	if !p.Allows(contentType) {
		return nil, fmt.Errorf("%w: %s not allowed for %s", common.ErrContentTypeDenied, contentType, cat)
	}

	return m.sessions.CreateSession(ctx, uploads.CreateRequest{
		FileID:      m.buildKey(patientID, "", cat),
		FileName:    fileName,
		Category:    cat,
		ContentType: contentType,
		TotalSize:   totalSize,
		Quality:     quality,
	})
}

// completeSession is the upload manager's reassembly handoff.
func (m *Manager) completeSession(ctx context.Context, s *uploads.Session, data []byte) error {
	_, err := m.StoreFile(ctx, StoreRequest{
		Data:        data,
		FileName:    s.FileName,
		ContentType: s.ContentType,
		Category:    s.Category,
		FileID:      s.FileID,
	})
	return err
}

// cancelSession drops any provisional catalog row for an abandoned upload.
func (m *Manager) cancelSession(ctx context.Context, fileID string) error {
	err := m.repos.Attachments(m.db).DeleteRow(ctx, fileID)
	if isNotFound(err) {
		return nil
	}
	return err
}

// fetchContent feeds rescans: it loads and, when possible, decrypts a
// file's current content.
func (m *Manager) fetchContent(ctx context.Context, fileID string) ([]byte, string, error) {
	att, err := m.repos.Attachments(m.db).Get(ctx, fileID)
	if err != nil {
		return nil, "", err
	}

	backend, err := m.backendFor(att.StorageBackend)
	if err != nil {
		return nil, "", err
	}

	data, meta, err := backend.Get(ctx, att.StoragePath, "")
	if err != nil {
		return nil, "", err
	}
	if data, err = m.maybeDecompress(data, meta); err != nil {
		return nil, "", err
	}
	if meta.Encrypted && m.codec != nil {
		if data, err = m.codec.Decrypt(data); err != nil {
			return nil, "", err
		}
	}
	return data, att.FileName, nil
}

// maybeDecompress reverses the lifecycle archiver's zstd framing. Archived
// objects carry a content-encoding marker in custom metadata.
func (m *Manager) maybeDecompress(data []byte, meta storage.ObjectMetadata) ([]byte, error) {
	if meta.Custom["content-encoding"] != "zstd" {
		return data, nil
	}
	if m.zdec == nil {
		return nil, fmt.Errorf("%w: zstd decoder unavailable", common.ErrInternal)
	}
	out, err := m.zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: archived object corrupt: %v", common.ErrIntegrity, err)
	}
	return out, nil
}

func detectContentType(filename string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(filename)); ct != "" {
		return ct
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
