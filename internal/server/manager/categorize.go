package manager

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/docuvault/internal/server/models"
)

// Hinter is an optional collaborator suggesting a category from file
// attributes. When it declines, the built-in heuristics apply.
type Hinter interface {
	Suggest(ctx context.Context, filename, contentType string) (models.FileCategory, bool)
}

// Categorize derives a category from content type and filename. The
// heuristics are deliberately coarse; callers that know better pass the
// category explicitly.
func Categorize(filename, contentType string) models.FileCategory {
	ct := strings.ToLower(contentType)
	switch {
	case strings.HasPrefix(ct, "image/"), ct == "application/dicom":
		return models.CategoryImaging
	}

	name := strings.ToLower(filename)
	ext := filepath.Ext(name)

	switch ext {
	case ".dcm", ".dicom":
		return models.CategoryImaging
	}

	switch {
	case strings.Contains(name, "lab"):
		return models.CategoryLabResult
	case strings.Contains(name, "prescription"), strings.Contains(name, "_rx"):
		return models.CategoryPrescription
	case strings.Contains(name, "consent"):
		return models.CategoryConsentForm
	case strings.Contains(name, "insurance"), strings.Contains(name, "claim"):
		return models.CategoryInsurance
	case strings.Contains(name, "note"), ext == ".txt", ext == ".md":
		return models.CategoryClinicalNote
	}
	return models.CategoryOther
}
