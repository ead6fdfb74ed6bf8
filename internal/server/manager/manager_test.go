package manager

import (
	"errors"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/server/config"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
	"github.com/dmitrijs2005/docuvault/internal/server/storage"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	m := &Manager{config: cfg}
	m.zdec, _ = zstd.NewReader(nil)
	return m
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		filename    string
		contentType string
		want        models.FileCategory
	}{
		{"chest.dcm", "", models.CategoryImaging},
		{"scan.bin", "application/dicom", models.CategoryImaging},
		{"photo.jpg", "image/jpeg", models.CategoryImaging},
		{"lab_report_2026.pdf", "application/pdf", models.CategoryLabResult},
		{"prescription_jones.pdf", "application/pdf", models.CategoryPrescription},
		{"refill_rx.pdf", "application/pdf", models.CategoryPrescription},
		{"consent_surgery.pdf", "application/pdf", models.CategoryConsentForm},
		{"insurance_card.pdf", "application/pdf", models.CategoryInsurance},
		{"claim_0042.pdf", "application/pdf", models.CategoryInsurance},
		{"progress_note.pdf", "application/pdf", models.CategoryClinicalNote},
		{"summary.txt", "text/plain", models.CategoryClinicalNote},
		{"attachment.pdf", "application/pdf", models.CategoryOther},
	}

	for _, tc := range tests {
		t.Run(tc.filename, func(t *testing.T) {
			if got := Categorize(tc.filename, tc.contentType); got != tc.want {
				t.Fatalf("Categorize(%q, %q) = %s, want %s", tc.filename, tc.contentType, got, tc.want)
			}
		})
	}
}

func TestBuildKey(t *testing.T) {
	m := newTestManager(t)

	key := m.buildKey("p1", "", models.CategoryLabResult)
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != "patients" || parts[1] != "p1" || parts[2] != "lab_result" {
		t.Fatalf("patient key = %q", key)
	}

	key = m.buildKey("", "", models.CategoryOther)
	parts = strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "files" || parts[1] != "other" {
		t.Fatalf("unscoped key = %q", key)
	}

	key = m.buildKey("", "admin", models.CategoryInsurance)
	if !strings.HasPrefix(key, "admin/insurance/") {
		t.Fatalf("scoped key = %q", key)
	}

	if _, err := storage.SanitizeKey(key); err != nil {
		t.Fatalf("generated key rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	m := newTestManager(t)

	req := &StoreRequest{Data: make([]byte, 100), ContentType: "application/pdf"}
	if err := m.validate(req, models.CategoryLabResult); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	p := m.config.Categories[models.CategoryOther]
	p.MaxSizeBytes = 10
	m.config.Categories[models.CategoryOther] = p
	req = &StoreRequest{Data: make([]byte, 11), ContentType: "application/pdf"}
	if err := m.validate(req, models.CategoryOther); !errors.Is(err, common.ErrFileTooLarge) {
		t.Fatalf("want ErrFileTooLarge, got %v", err)
	}

	req = &StoreRequest{Data: make([]byte, 100), ContentType: "application/x-msdownload"}
	if err := m.validate(req, models.CategoryLabResult); !errors.Is(err, common.ErrContentTypeDenied) {
		t.Fatalf("want ErrContentTypeDenied, got %v", err)
	}

	req = &StoreRequest{Data: make([]byte, 100), ContentType: "application/pdf"}
	if err := m.validate(req, models.FileCategory("bogus")); !errors.Is(err, common.ErrInvalidCategory) {
		t.Fatalf("want ErrInvalidCategory, got %v", err)
	}
}

func TestDetectContentType(t *testing.T) {
	if ct := detectContentType("report.pdf", nil); ct != "application/pdf" {
		t.Fatalf("by extension = %q", ct)
	}
	if ct := detectContentType("noext", []byte("%PDF-1.7 ...")); ct != "application/pdf" {
		t.Fatalf("by sniffing = %q", ct)
	}
	if ct := detectContentType("noext", nil); ct != "application/octet-stream" {
		t.Fatalf("fallback = %q", ct)
	}
}

func TestCheckReadable(t *testing.T) {
	m := newTestManager(t)

	if err := m.checkReadable(&models.Attachment{FileID: "f1", Status: models.AttachmentAvailable}); err != nil {
		t.Fatalf("available file rejected: %v", err)
	}
	err := m.checkReadable(&models.Attachment{FileID: "f1", Status: models.AttachmentDeleted})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("deleted: want ErrNotFound, got %v", err)
	}
	err = m.checkReadable(&models.Attachment{FileID: "f1", Status: models.AttachmentAvailable, IsQuarantined: true})
	if !errors.Is(err, common.ErrQuarantined) {
		t.Fatalf("quarantined flag: want ErrQuarantined, got %v", err)
	}
	err = m.checkReadable(&models.Attachment{FileID: "f1", Status: models.AttachmentQuarantined})
	if !errors.Is(err, common.ErrQuarantined) {
		t.Fatalf("quarantined status: want ErrQuarantined, got %v", err)
	}
}

func TestMaybeDecompress(t *testing.T) {
	m := newTestManager(t)

	plain := []byte("not compressed")
	out, err := m.maybeDecompress(plain, storage.ObjectMetadata{})
	if err != nil || string(out) != "not compressed" {
		t.Fatalf("passthrough = %q, %v", out, err)
	}

	enc, _ := zstd.NewWriter(nil)
	payload := []byte(strings.Repeat("clinical archive data ", 100))
	compressed := enc.EncodeAll(payload, nil)
	meta := storage.ObjectMetadata{Custom: map[string]string{"content-encoding": "zstd"}}

	out, err = m.maybeDecompress(compressed, meta)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != string(payload) {
		t.Fatal("round trip mismatch")
	}

	if _, err := m.maybeDecompress([]byte("garbage"), meta); !errors.Is(err, common.ErrIntegrity) {
		t.Fatalf("corrupt archive: want ErrIntegrity, got %v", err)
	}
}
