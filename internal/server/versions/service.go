// Package versions implements the version engine: per-file revision
// lineage, the approval workflow, and history/diff/rollback operations.
package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/dbx"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/auth"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/server/notify"
	"github.com/dmitrijs2005/docuvault/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/docuvault/internal/server/storage"
)

// CreateParams describes a new revision whose content is already persisted
// at StoragePath.
type CreateParams struct {
	FileID      string
	Checksum    string
	Size        int64
	StoragePath string
	ContentType string
	ChangeType  models.ChangeType
	Comment     string
	Metadata    map[string]string
	// RequiresApproval parks the version in pending_review instead of
	// promoting it immediately.
	RequiresApproval bool
}

// Service is the version engine. Promotion of a new current version and
// demotion of the previous one happen in one transaction, serialized per
// file by an in-process lock; the partial unique index on (file_id) where
// status='current' backstops the invariant across processes.
type Service struct {
	db      *sql.DB
	repos   repomanager.RepositoryManager
	storage *storage.Registry
	codec   *cryptox.Codec
	sink    notify.Sink
	logger  logging.Logger

	locks sync.Map // file_id -> *sync.Mutex
}

func NewService(db *sql.DB, repos repomanager.RepositoryManager, reg *storage.Registry,
	codec *cryptox.Codec, sink notify.Sink, logger logging.Logger) *Service {
	return &Service{
		db:      db,
		repos:   repos,
		storage: reg,
		codec:   codec,
		sink:    sink,
		logger:  logger.With("component", "versions"),
	}
}

func (s *Service) fileLock(fileID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(fileID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// VersionPath returns a fresh storage key for one version's content. The
// key lives under a sibling prefix, never beneath the file's own key: on
// the local backend the base object is a regular file, so nothing can be
// created inside it.
func VersionPath(fileID string) string {
	return fmt.Sprintf("versions/%s/%s", fileID, uuid.New().String())
}

// Create records a new version. Without approval it becomes current at
// once, atomically demoting the prior current version to superseded.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.FileVersion, error) {
	if p.ChangeType == "" {
		p.ChangeType = models.ChangeMinor
	}

	mu := s.fileLock(p.FileID)
	mu.Lock()
	defer mu.Unlock()

	v := &models.FileVersion{
		VersionID:   uuid.New().String(),
		FileID:      p.FileID,
		Status:      models.VersionPendingReview,
		ChangeType:  p.ChangeType,
		Checksum:    p.Checksum,
		Size:        p.Size,
		StoragePath: p.StoragePath,
		ContentType: p.ContentType,
		Comment:     p.Comment,
		Metadata:    p.Metadata,
		CreatedBy:   auth.ActorID(ctx),
	}
	if !p.RequiresApproval {
		v.Status = models.VersionCurrent
	}

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Versions(tx)

		max, err := repo.MaxVersionNumber(ctx, p.FileID)
		if err != nil {
			return err
		}
		v.VersionNumber = max + 1

		current, err := repo.GetCurrent(ctx, p.FileID)
		switch {
		case err == nil:
			v.ParentVersionID = current.VersionID
			if !p.RequiresApproval {
				if err := repo.SetStatus(ctx, current.VersionID, models.VersionSuperseded); err != nil {
					return err
				}
			}
		case !errors.Is(err, common.ErrNotFound):
			return err
		}

		if err := repo.Create(ctx, v); err != nil {
			return err
		}

		if !p.RequiresApproval {
			return s.repos.Attachments(tx).SetVersion(ctx, p.FileID, v.VersionNumber, v.Checksum, v.Size, v.StoragePath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	if p.ChangeType == models.ChangeCritical {
		s.sink.Notify(ctx, notify.Event{
			Type:      notify.EventCriticalChange,
			FileID:    p.FileID,
			Actor:     v.CreatedBy,
			Detail:    map[string]string{"version": fmt.Sprint(v.VersionNumber), "comment": p.Comment},
			Timestamp: time.Now().UTC(),
		})
	}

	s.logger.Info(ctx, "version created", "file_id", p.FileID, "version", v.VersionNumber, "status", string(v.Status))
	return v, nil
}

// Approve promotes a pending version to current, demoting the prior current
// version in the same transaction. The approver comes from the context.
func (s *Service) Approve(ctx context.Context, versionID string) (*models.FileVersion, error) {
	actor, ok := auth.ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("%w: approval requires an actor", common.ErrUnauthorized)
	}

	v, err := s.repos.Versions(s.db).GetByID(ctx, versionID)
	if err != nil {
		return nil, err
	}

	mu := s.fileLock(v.FileID)
	mu.Lock()
	defer mu.Unlock()

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Versions(tx)

		current, err := repo.GetCurrent(ctx, v.FileID)
		switch {
		case err == nil:
			if current.VersionID != versionID {
				if err := repo.SetStatus(ctx, current.VersionID, models.VersionSuperseded); err != nil {
					return err
				}
			}
		case !errors.Is(err, common.ErrNotFound):
			return err
		}

		if err := repo.Approve(ctx, versionID, actor.ID); err != nil {
			return err
		}

		return s.repos.Attachments(tx).SetVersion(ctx, v.FileID, v.VersionNumber, v.Checksum, v.Size, v.StoragePath)
	})
	if err != nil {
		return nil, fmt.Errorf("approve version: %w", err)
	}

	return s.repos.Versions(s.db).GetByID(ctx, versionID)
}

// Get returns one version by file and number.
func (s *Service) Get(ctx context.Context, fileID string, number int) (*models.FileVersion, error) {
	return s.repos.Versions(s.db).GetByNumber(ctx, fileID, number)
}

// Current returns the current version of a file.
func (s *Service) Current(ctx context.Context, fileID string) (*models.FileVersion, error) {
	return s.repos.Versions(s.db).GetCurrent(ctx, fileID)
}

// History lists versions newest first.
func (s *Service) History(ctx context.Context, fileID string, limit, offset int) ([]*models.FileVersion, error) {
	return s.repos.Versions(s.db).ListByFile(ctx, fileID, limit, offset)
}

// Compare diffs two versions of the same file. Pure read, no side effects.
func (s *Service) Compare(ctx context.Context, fileID string, a, b int) (*models.VersionDiff, error) {
	repo := s.repos.Versions(s.db)

	va, err := repo.GetByNumber(ctx, fileID, a)
	if err != nil {
		return nil, err
	}
	vb, err := repo.GetByNumber(ctx, fileID, b)
	if err != nil {
		return nil, err
	}

	diff := &models.VersionDiff{
		FileID:          fileID,
		FromVersion:     a,
		ToVersion:       b,
		SizeDelta:       vb.Size - va.Size,
		ContentChanged:  va.Checksum != vb.Checksum,
		MetadataAdded:   map[string]string{},
		MetadataRemoved: map[string]string{},
		MetadataChanged: map[string][2]string{},
	}

	for k, bv := range vb.Metadata {
		av, ok := va.Metadata[k]
		switch {
		case !ok:
			diff.MetadataAdded[k] = bv
		case av != bv:
			diff.MetadataChanged[k] = [2]string{av, bv}
		}
	}
	for k, av := range va.Metadata {
		if _, ok := vb.Metadata[k]; !ok {
			diff.MetadataRemoved[k] = av
		}
	}
	return diff, nil
}

// Rollback restores the content of targetNumber by creating a new MAJOR
// version with identical content. History is never rewritten: the target
// and every other version stay untouched.
func (s *Service) Rollback(ctx context.Context, fileID string, targetNumber int) (*models.FileVersion, error) {
	target, err := s.repos.Versions(s.db).GetByNumber(ctx, fileID, targetNumber)
	if err != nil {
		return nil, err
	}

	att, err := s.repos.Attachments(s.db).Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	backend, err := s.storage.Get(att.StorageBackend)
	if err != nil {
		return nil, err
	}

	data, meta, err := backend.Get(ctx, target.StoragePath, "")
	if err != nil {
		return nil, fmt.Errorf("fetch rollback target: %w", err)
	}
	if meta.Encrypted && s.codec != nil {
		data, err = s.codec.Decrypt(data)
		if err != nil {
			return nil, err
		}
	}
	if err := cryptox.VerifyChecksum(data, target.Checksum); err != nil {
		return nil, fmt.Errorf("rollback target %s: %w", target.VersionID, err)
	}

	// New copy of the content under a fresh path; the target's object is
	// left alone.
	newPath := VersionPath(fileID)
	payload := data
	encrypted := false
	if att.Encrypted && s.codec != nil {
		payload, err = s.codec.Encrypt(data)
		if err != nil {
			return nil, err
		}
		encrypted = true
	}
	if _, err := backend.Put(ctx, newPath, payload, storage.ObjectMetadata{
		ContentType: target.ContentType,
		Checksum:    target.Checksum,
		Encrypted:   encrypted,
	}); err != nil {
		return nil, fmt.Errorf("store rollback copy: %w", err)
	}

	return s.Create(ctx, CreateParams{
		FileID:      fileID,
		Checksum:    target.Checksum,
		Size:        target.Size,
		StoragePath: newPath,
		ContentType: target.ContentType,
		ChangeType:  models.ChangeMajor,
		Comment:     fmt.Sprintf("rollback to version %d", targetNumber),
		Metadata:    target.Metadata,
	})
}

// Delete soft-deletes a version. Locked versions are refused.
func (s *Service) Delete(ctx context.Context, versionID string) error {
	v, err := s.repos.Versions(s.db).GetByID(ctx, versionID)
	if err != nil {
		return err
	}
	if v.IsLocked {
		return fmt.Errorf("%w: %s", common.ErrVersionLocked, versionID)
	}
	if v.Status == models.VersionCurrent {
		return fmt.Errorf("%w: cannot delete the current version", common.ErrInvalidTransition)
	}
	return s.repos.Versions(s.db).SetStatus(ctx, versionID, models.VersionDeleted)
}

// SetLocked locks or unlocks a version. Unlocking requires an actor.
func (s *Service) SetLocked(ctx context.Context, versionID string, locked bool) error {
	if !locked {
		if _, ok := auth.ActorFromContext(ctx); !ok {
			return fmt.Errorf("%w: unlocking requires an actor", common.ErrUnauthorized)
		}
	}
	return s.repos.Versions(s.db).SetLocked(ctx, versionID, locked)
}

// ArchiveSuperseded archives superseded versions older than the retention
// window. The sole remaining historical version of a file is never
// archived.
func (s *Service) ArchiveSuperseded(ctx context.Context, retention time.Duration) (int, error) {
	repo := s.repos.Versions(s.db)

	candidates, err := repo.SelectSupersededBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, v := range candidates {
		n, err := repo.CountByFile(ctx, v.FileID)
		if err != nil {
			return archived, err
		}
		if n < 2 {
			continue
		}
		if err := repo.SetStatus(ctx, v.VersionID, models.VersionArchived); err != nil {
			s.logger.Warn(ctx, "version not archived", "version_id", v.VersionID, "error", err.Error())
			continue
		}
		archived++
	}
	return archived, nil
}
