package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// RetentionPolicy controls how long files of a category are kept.
// Exactly one of Permanent, Years, or Days must be in effect.
type RetentionPolicy struct {
	Permanent bool `json:"permanent"`
	Years     int  `json:"years"`
	Days      int  `json:"days"`
}

// Expired reports whether a file created at t is past its retention window
// as of now.
func (r RetentionPolicy) Expired(t, now time.Time) bool {
	switch {
	case r.Permanent:
		return false
	case r.Years > 0:
		return now.After(t.AddDate(r.Years, 0, 0))
	case r.Days > 0:
		return now.After(t.AddDate(0, 0, r.Days))
	}
	return false
}

// Validate rejects ambiguous or empty retention policies.
func (r RetentionPolicy) Validate() error {
	set := 0
	if r.Permanent {
		set++
	}
	if r.Years > 0 {
		set++
	}
	if r.Days > 0 {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: retention must set exactly one of permanent/years/days", common.ErrValidation)
	}
	return nil
}

// CategoryPolicy is the per-category validation and lifecycle table.
type CategoryPolicy struct {
	MaxSizeBytes        int64           `json:"max_size_bytes"`
	AllowedContentTypes []string        `json:"allowed_content_types"`
	Retention           RetentionPolicy `json:"retention"`
	// ArchiveAfterDays moves objects to the archive tier after this many
	// days; zero disables archival.
	ArchiveAfterDays int `json:"archive_after_days"`
}

// Validate checks the policy is complete.
func (p CategoryPolicy) Validate() error {
	if p.MaxSizeBytes <= 0 {
		return fmt.Errorf("%w: max size must be positive", common.ErrValidation)
	}
	if len(p.AllowedContentTypes) == 0 {
		return fmt.Errorf("%w: allowed content types must not be empty", common.ErrValidation)
	}
	return p.Retention.Validate()
}

// Allows reports whether contentType is accepted by the policy. A single
// "*/*" entry accepts anything; "image/*" style prefixes match a type family.
func (p CategoryPolicy) Allows(contentType string) bool {
	for _, allowed := range p.AllowedContentTypes {
		if allowed == "*/*" || allowed == contentType {
			return true
		}
		if n := len(allowed); n > 2 && allowed[n-2:] == "/*" && len(contentType) >= n-1 && contentType[:n-1] == allowed[:n-1] {
			return true
		}
	}
	return false
}

// DefaultCategories returns the built-in category table. Deployments
// override it through the JSON configuration file.
func DefaultCategories() map[models.FileCategory]CategoryPolicy {
	pdfDocs := []string{"application/pdf", "image/jpeg", "image/png", "text/plain"}
	return map[models.FileCategory]CategoryPolicy{
		models.CategoryLabResult: {
			MaxSizeBytes:        50 << 20,
			AllowedContentTypes: pdfDocs,
			Retention:           RetentionPolicy{Years: 10},
			ArchiveAfterDays:    365,
		},
		models.CategoryImaging: {
			MaxSizeBytes:        2 << 30,
			AllowedContentTypes: []string{"application/dicom", "image/jpeg", "image/png", "application/pdf"},
			Retention:           RetentionPolicy{Years: 10},
			ArchiveAfterDays:    180,
		},
		models.CategoryPrescription: {
			MaxSizeBytes:        10 << 20,
			AllowedContentTypes: pdfDocs,
			Retention:           RetentionPolicy{Years: 7},
			ArchiveAfterDays:    365,
		},
		models.CategoryClinicalNote: {
			MaxSizeBytes:        20 << 20,
			AllowedContentTypes: pdfDocs,
			Retention:           RetentionPolicy{Permanent: true},
		},
		models.CategoryConsentForm: {
			MaxSizeBytes:        10 << 20,
			AllowedContentTypes: pdfDocs,
			Retention:           RetentionPolicy{Permanent: true},
		},
		models.CategoryInsurance: {
			MaxSizeBytes:        20 << 20,
			AllowedContentTypes: pdfDocs,
			Retention:           RetentionPolicy{Years: 7},
			ArchiveAfterDays:    365,
		},
		models.CategoryOther: {
			MaxSizeBytes:        100 << 20,
			AllowedContentTypes: []string{"*/*"},
			Retention:           RetentionPolicy{Days: 3650},
			ArchiveAfterDays:    730,
		},
	}
}
