// Package lifecycle runs the time-driven sweeps: retention expiry,
// cold-tier archival, superseded-version archival, and upload session
// purging. It owns no request path; everything here is periodic.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/attachments"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/docuvault/internal/server/storage"
	"github.com/dmitrijs2005/docuvault/internal/server/uploads"
	versionsvc "github.com/dmitrijs2005/docuvault/internal/server/versions"
)

const (
	archivePrefix = "archive/"
	sweepBatch    = 500
)

// Manager drives the periodic sweeps.
type Manager struct {
	db       *sql.DB
	repos    repomanager.RepositoryManager
	registry *storage.Registry
	versions *versionsvc.Service
	sessions *uploads.Manager
	config   *config.Config
	logger   logging.Logger
	zenc     *zstd.Encoder
}

func NewManager(db *sql.DB, repos repomanager.RepositoryManager, reg *storage.Registry,
	vs *versionsvc.Service, um *uploads.Manager, cfg *config.Config, logger logging.Logger) *Manager {
	m := &Manager{
		db:       db,
		repos:    repos,
		registry: reg,
		versions: vs,
		sessions: um,
		config:   cfg,
		logger:   logger.With("component", "lifecycle"),
	}
	m.zenc, _ = zstd.NewWriter(nil)
	return m
}

// Run drives the lifecycle and session sweeps until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	lifecycle := time.NewTicker(m.config.LifecycleInterval)
	defer lifecycle.Stop()
	sessions := time.NewTicker(m.config.SessionSweepInterval)
	defer sessions.Stop()

	m.logger.Info(ctx, "lifecycle loops started",
		"interval", m.config.LifecycleInterval.String(),
		"session_sweep", m.config.SessionSweepInterval.String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-lifecycle.C:
			m.Sweep(ctx)
		case <-sessions.C:
			if n := m.sessions.SweepExpired(ctx); n > 0 {
				m.logger.Info(ctx, "expired upload sessions purged", "count", n)
			}
		}
	}
}

// Sweep runs one full lifecycle pass: expiry, archival, version archival.
func (m *Manager) Sweep(ctx context.Context) {
	expired, err := m.ExpireByRetention(ctx)
	if err != nil {
		m.logger.Error(ctx, "retention sweep failed", "error", err.Error())
	}

	archivedFiles, err := m.ArchiveCold(ctx)
	if err != nil {
		m.logger.Error(ctx, "archive sweep failed", "error", err.Error())
	}

	archivedVersions, err := m.versions.ArchiveSuperseded(ctx, m.config.VersionRetention)
	if err != nil {
		m.logger.Error(ctx, "version archival failed", "error", err.Error())
	}

	if expired+archivedFiles+archivedVersions > 0 {
		m.logger.Info(ctx, "lifecycle sweep done",
			"expired", expired, "archived_files", archivedFiles, "archived_versions", archivedVersions)
	}
}

// ExpireByRetention soft-deletes files whose category retention window has
// passed. Permanent-retention categories are skipped entirely.
func (m *Manager) ExpireByRetention(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	expired := 0

	for cat, policy := range m.config.Categories {
		if policy.Retention.Permanent {
			continue
		}

		rows, err := m.repos.Attachments(m.db).List(ctx, attachments.Filter{
			Category: cat,
			Status:   models.AttachmentAvailable,
			Limit:    sweepBatch,
		})
		if err != nil {
			return expired, err
		}

		for _, a := range rows {
			if !policy.Retention.Expired(a.CreatedAt, now) {
				continue
			}
			if err := m.repos.Attachments(m.db).SetStatus(ctx, a.FileID, models.AttachmentDeleted); err != nil {
				m.logger.Warn(ctx, "retention expiry failed", "file_id", a.FileID, "error", err.Error())
				continue
			}
			m.logger.Info(ctx, "file expired by retention",
				"file_id", a.FileID, "category", string(cat), "created_at", a.CreatedAt.Format(time.RFC3339))
			expired++
		}
	}
	return expired, nil
}

// ArchiveCold moves files past their category's archive-after window to
// the archive prefix, zstd-compressed. Already archived files are skipped.
func (m *Manager) ArchiveCold(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	archived := 0

	for cat, policy := range m.config.Categories {
		if policy.ArchiveAfterDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -policy.ArchiveAfterDays)

		rows, err := m.repos.Attachments(m.db).List(ctx, attachments.Filter{
			Category: cat,
			Status:   models.AttachmentAvailable,
			Limit:    sweepBatch,
		})
		if err != nil {
			return archived, err
		}

		for _, a := range rows {
			if a.CreatedAt.After(cutoff) || isArchivedPath(a.StoragePath) {
				continue
			}
			if err := m.archiveObject(ctx, a); err != nil {
				m.logger.Warn(ctx, "archive failed", "file_id", a.FileID, "error", err.Error())
				continue
			}
			archived++
		}
	}
	return archived, nil
}

func isArchivedPath(path string) bool {
	return len(path) >= len(archivePrefix) && path[:len(archivePrefix)] == archivePrefix
}

// archiveObject compresses the stored bytes as-is (ciphertext stays
// ciphertext) and relocates them under the archive prefix. The catalog row
// is repointed before the original object is removed, so a crash between
// the two steps leaves a retrievable file, at worst a stale copy.
func (m *Manager) archiveObject(ctx context.Context, a *models.Attachment) error {
	if m.zenc == nil {
		return fmt.Errorf("%w: zstd encoder unavailable", common.ErrInternal)
	}

	backend, err := m.registry.Get(a.StorageBackend)
	if err != nil {
		return err
	}

	data, meta, err := backend.Get(ctx, a.StoragePath, "")
	if err != nil {
		return err
	}

	compressed := m.zenc.EncodeAll(data, nil)
	archiveKey := archivePrefix + a.StoragePath

	custom := map[string]string{}
	for k, v := range meta.Custom {
		custom[k] = v
	}
	custom["content-encoding"] = "zstd"

	if _, err := backend.Put(ctx, archiveKey, compressed, storage.ObjectMetadata{
		ContentType: meta.ContentType,
		Checksum:    cryptox.Checksum(compressed),
		Encrypted:   meta.Encrypted,
		Tags:        meta.Tags,
		Custom:      custom,
	}); err != nil {
		return err
	}

	if err := m.repos.Attachments(m.db).SetStoragePath(ctx, a.FileID, archiveKey); err != nil {
		return err
	}

	if err := backend.Delete(ctx, a.StoragePath, "", true); err != nil && !errors.Is(err, common.ErrNotFound) {
		m.logger.Warn(ctx, "stale original left after archive", "file_id", a.FileID, "error", err.Error())
	}

	m.logger.Info(ctx, "file archived",
		"file_id", a.FileID, "archive_key", archiveKey,
		"original_size", len(data), "compressed_size", len(compressed))
	return nil
}
