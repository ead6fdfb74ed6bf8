package manager

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/dbx"
	"github.com/dmitrijs2005/docuvault/internal/logging"
	"github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/metrics"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/server/notify"
	attrepo "github.com/dmitrijs2005/docuvault/internal/server/repositories/attachments"
	scanrepo "github.com/dmitrijs2005/docuvault/internal/server/repositories/scans"
	verrepo "github.com/dmitrijs2005/docuvault/internal/server/repositories/versions"
	"github.com/dmitrijs2005/docuvault/internal/server/scans"
	"github.com/dmitrijs2005/docuvault/internal/server/storage"
	"github.com/dmitrijs2005/docuvault/internal/server/uploads"
	versionsvc "github.com/dmitrijs2005/docuvault/internal/server/versions"
)

type nopLogger struct{}

func (n nopLogger) Debug(context.Context, string, ...any) {}
func (n nopLogger) Info(context.Context, string, ...any)  {}
func (n nopLogger) Warn(context.Context, string, ...any)  {}
func (n nopLogger) Error(context.Context, string, ...any) {}
func (n nopLogger) With(...any) logging.Logger            { return n }

type memVersions struct {
	mu   sync.Mutex
	rows map[string]*models.FileVersion
}

func newMemVersions() *memVersions {
	return &memVersions{rows: map[string]*models.FileVersion{}}
}

func (m *memVersions) Create(ctx context.Context, v *models.FileVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.FileID == v.FileID && r.VersionNumber == v.VersionNumber {
			return common.ErrVersionConflict
		}
	}
	cp := *v
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.rows[v.VersionID] = &cp
	return nil
}

func (m *memVersions) GetByID(ctx context.Context, versionID string) (*models.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: version %s", common.ErrNotFound, versionID)
	}
	cp := *r
	return &cp, nil
}

func (m *memVersions) GetByNumber(ctx context.Context, fileID string, number int) (*models.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.FileID == fileID && r.VersionNumber == number {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: version %d of %s", common.ErrNotFound, number, fileID)
}

func (m *memVersions) GetCurrent(ctx context.Context, fileID string) (*models.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.FileID == fileID && r.Status == models.VersionCurrent {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: no current version of %s", common.ErrNotFound, fileID)
}

// ListByFile pages like the Postgres repository: newest first, with the
// same default cap on an unbounded limit.
func (m *memVersions) ListByFile(ctx context.Context, fileID string, limit, offset int) ([]*models.FileVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FileVersion
	for _, r := range m.rows {
		if r.FileID == fileID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber > out[j].VersionNumber })
	if limit <= 0 {
		limit = 100
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memVersions) CountByFile(ctx context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.FileID == fileID && r.Status != models.VersionDeleted {
			n++
		}
	}
	return n, nil
}

func (m *memVersions) MaxVersionNumber(ctx context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := 0
	for _, r := range m.rows {
		if r.FileID == fileID && r.VersionNumber > max {
			max = r.VersionNumber
		}
	}
	return max, nil
}

func (m *memVersions) SetStatus(ctx context.Context, versionID string, status models.VersionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[versionID]
	if !ok {
		return fmt.Errorf("%w: version %s", common.ErrNotFound, versionID)
	}
	r.Status = status
	return nil
}

func (m *memVersions) Approve(ctx context.Context, versionID, approver string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[versionID]
	if !ok {
		return fmt.Errorf("%w: version %s", common.ErrNotFound, versionID)
	}
	now := time.Now().UTC()
	r.Status = models.VersionCurrent
	r.ApprovedBy = approver
	r.ApprovedAt = &now
	return nil
}

func (m *memVersions) SetLocked(ctx context.Context, versionID string, locked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[versionID]
	if !ok {
		return fmt.Errorf("%w: version %s", common.ErrNotFound, versionID)
	}
	r.IsLocked = locked
	return nil
}

func (m *memVersions) SelectSupersededBefore(ctx context.Context, cutoff time.Time) ([]*models.FileVersion, error) {
	return nil, nil
}

type memAttachments struct {
	mu   sync.Mutex
	rows map[string]*models.Attachment
}

func newMemAttachments() *memAttachments {
	return &memAttachments{rows: map[string]*models.Attachment{}}
}

func (m *memAttachments) Upsert(ctx context.Context, a *models.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.rows[a.FileID] = &cp
	return nil
}

func (m *memAttachments) Get(ctx context.Context, fileID string) (*models.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[fileID]
	if !ok {
		return nil, fmt.Errorf("%w: attachment %s", common.ErrNotFound, fileID)
	}
	cp := *r
	return &cp, nil
}

func (m *memAttachments) List(ctx context.Context, f attrepo.Filter) ([]*models.Attachment, error) {
	return nil, nil
}

func (m *memAttachments) ListQuarantined(ctx context.Context) ([]*models.Attachment, error) {
	return nil, nil
}

func (m *memAttachments) SetScanVerdict(ctx context.Context, fileID string, scanStatus models.ScanStatus, status models.AttachmentStatus, quarantined, needsReview bool) error {
	return nil
}

func (m *memAttachments) SetStatus(ctx context.Context, fileID string, status models.AttachmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[fileID]
	if !ok {
		return fmt.Errorf("%w: attachment %s", common.ErrNotFound, fileID)
	}
	r.Status = status
	return nil
}

func (m *memAttachments) SetVersion(ctx context.Context, fileID string, version int, checksum string, size int64, storagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rows[fileID]; ok {
		r.Version = version
		r.Checksum = checksum
		r.Size = size
		r.StoragePath = storagePath
	}
	return nil
}

func (m *memAttachments) SetStoragePath(ctx context.Context, fileID, storagePath string) error {
	return nil
}

func (m *memAttachments) TouchAccess(ctx context.Context, fileID string) error { return nil }

func (m *memAttachments) DeleteRow(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[fileID]; !ok {
		return fmt.Errorf("%w: attachment %s", common.ErrNotFound, fileID)
	}
	delete(m.rows, fileID)
	return nil
}

type fakeRepos struct {
	versions *memVersions
	atts     *memAttachments
}

func (f *fakeRepos) RunMigrations(ctx context.Context, db *sql.DB) error { return nil }
func (f *fakeRepos) Attachments(db dbx.DBTX) attrepo.Repository          { return f.atts }
func (f *fakeRepos) Versions(db dbx.DBTX) verrepo.Repository             { return f.versions }
func (f *fakeRepos) Scans(db dbx.DBTX) scanrepo.Repository               { return nil }

// newPipeline wires a Manager against the local backend, in-memory
// repositories and an idle async scanner, with txCount version
// transactions expected.
func newPipeline(t *testing.T, txCount int) (*Manager, *fakeRepos, *storage.Registry) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < txCount; i++ {
		mock.ExpectBegin()
		mock.ExpectCommit()
	}

	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.DefaultBackend = "local"
	cfg.EncryptByDefault = false
	cfg.ScanMode = config.ScanModeAsync

	repos := &fakeRepos{versions: newMemVersions(), atts: newMemAttachments()}

	reg := storage.NewRegistry("local")
	lb, err := storage.NewLocalBackend(storage.LocalOptions{Root: t.TempDir()}, nopLogger{})
	if err != nil {
		t.Fatalf("local backend error: %v", err)
	}
	reg.Register(lb)

	sink := notify.NewLogSink(nopLogger{})
	nop := metrics.NewNop()
	vs := versionsvc.NewService(db, repos, reg, nil, sink, nopLogger{})
	um := uploads.NewManager(cfg, nopLogger{}, nop)
	sc := scans.NewOrchestrator(db, repos, scans.NewProviderRegistry(), cfg, nopLogger{}, sink, nop)

	return NewManager(db, repos, reg, nil, vs, um, sc, cfg, nopLogger{}, nop), repos, reg
}

// A brand-new file stored with RequiresApproval parks version 1 in
// pending_review; nothing is promoted until an approver acts.
func TestStoreFile_RequiresApprovalOnNewFile(t *testing.T) {
	mgr, repos, _ := newPipeline(t, 1)
	ctx := context.Background()

	att, err := mgr.StoreFile(ctx, StoreRequest{
		Data:             []byte("%PDF-1.7 draft note"),
		FileName:         "progress_note.pdf",
		RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	v1, err := repos.versions.GetByNumber(ctx, att.FileID, 1)
	if err != nil {
		t.Fatalf("get v1: %v", err)
	}
	if v1.Status != models.VersionPendingReview {
		t.Fatalf("v1 status = %s, want pending_review", v1.Status)
	}
	if _, err := repos.versions.GetCurrent(ctx, att.FileID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("current lookup = %v, want ErrNotFound", err)
	}
}

// A versioned update of a locally stored file must write the new content
// under a sibling key and round-trip both versions through the backend.
func TestStoreFile_VersionedUpdateLocalRoundTrip(t *testing.T) {
	mgr, repos, _ := newPipeline(t, 2)
	ctx := context.Background()

	content1 := []byte("lab results, first draft")
	first, err := mgr.StoreFile(ctx, StoreRequest{Data: content1, FileName: "lab_report.pdf"})
	if err != nil {
		t.Fatalf("store v1: %v", err)
	}

	content2 := []byte("lab results, corrected values")
	second, err := mgr.StoreFile(ctx, StoreRequest{
		Data: content2, FileName: "lab_report.pdf", FileID: first.FileID,
	})
	if err != nil {
		t.Fatalf("store v2: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("version = %d, want 2", second.Version)
	}

	v2, err := repos.versions.GetByNumber(ctx, first.FileID, 2)
	if err != nil {
		t.Fatalf("get v2: %v", err)
	}
	if strings.HasPrefix(v2.StoragePath, first.FileID+"/") {
		t.Fatalf("v2 path %q nests under the base object", v2.StoragePath)
	}
	if !strings.HasPrefix(v2.StoragePath, "versions/") {
		t.Fatalf("v2 path = %q", v2.StoragePath)
	}

	data, _, err := mgr.RetrieveFile(ctx, first.FileID, 0, true)
	if err != nil {
		t.Fatalf("retrieve current: %v", err)
	}
	if string(data) != string(content2) {
		t.Fatalf("current content = %q", data)
	}

	data, _, err = mgr.RetrieveFile(ctx, first.FileID, 1, true)
	if err != nil {
		t.Fatalf("retrieve v1: %v", err)
	}
	if string(data) != string(content1) {
		t.Fatalf("v1 content = %q", data)
	}
}

// Permanent deletion must purge every version object even when the history
// spans multiple repository pages.
func TestDeleteFile_PermanentPurgesDeepHistory(t *testing.T) {
	mgr, repos, reg := newPipeline(t, 0)
	ctx := context.Background()
	backend, _ := reg.Get("local")

	const fileID = "files/other/2026-08-31/deep"
	if _, err := backend.Put(ctx, fileID, []byte("base"), storage.ObjectMetadata{}); err != nil {
		t.Fatalf("seed base object: %v", err)
	}
	if err := repos.atts.Upsert(ctx, &models.Attachment{
		FileID: fileID, Status: models.AttachmentAvailable,
		StorageBackend: "local", StoragePath: fileID,
	}); err != nil {
		t.Fatalf("seed attachment: %v", err)
	}

	n := deleteHistoryPageSize + 50
	var paths []string
	for i := 1; i <= n; i++ {
		path := fileID
		status := models.VersionSuperseded
		if i > 1 {
			path = versionsvc.VersionPath(fileID)
			if _, err := backend.Put(ctx, path, []byte(fmt.Sprintf("v%d", i)), storage.ObjectMetadata{}); err != nil {
				t.Fatalf("seed version %d: %v", i, err)
			}
			paths = append(paths, path)
		}
		if i == n {
			status = models.VersionCurrent
		}
		repos.versions.rows[fmt.Sprintf("v%d", i)] = &models.FileVersion{
			VersionID: fmt.Sprintf("v%d", i), FileID: fileID,
			VersionNumber: i, Status: status, StoragePath: path,
		}
	}

	if err := mgr.DeleteFile(ctx, fileID, true); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}

	for _, p := range paths {
		if ok, _ := backend.Exists(ctx, p); ok {
			t.Fatalf("version object %s survived permanent delete", p)
		}
	}
	if ok, _ := backend.Exists(ctx, fileID); ok {
		t.Fatal("base object survived permanent delete")
	}
	if _, err := repos.atts.Get(ctx, fileID); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("catalog row lookup = %v, want ErrNotFound", err)
	}
}
