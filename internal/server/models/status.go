// Package models defines server-side data models persisted in the catalog
// database, together with the enumerated lifecycle states of the pipeline.
package models

// AttachmentStatus is the externally visible lifecycle state of a stored
// file. Soft deletion is a status, not a flag, so that illegal combinations
// (deleted-but-available) are unrepresentable.
type AttachmentStatus string

const (
	AttachmentPending     AttachmentStatus = "pending"
	AttachmentAvailable   AttachmentStatus = "available"
	AttachmentQuarantined AttachmentStatus = "quarantined"
	AttachmentDeleted     AttachmentStatus = "deleted"
)

// VersionStatus is the lifecycle state of a single file version.
// At most one version per file may be Current at any time.
type VersionStatus string

const (
	VersionDraft         VersionStatus = "draft"
	VersionPendingReview VersionStatus = "pending_review"
	VersionCurrent       VersionStatus = "current"
	VersionSuperseded    VersionStatus = "superseded"
	VersionArchived      VersionStatus = "archived"
	VersionDeleted       VersionStatus = "deleted"
)

// ChangeType classifies what kind of revision a new version represents.
type ChangeType string

const (
	ChangeMinor    ChangeType = "minor"
	ChangeMajor    ChangeType = "major"
	ChangeCritical ChangeType = "critical"
	ChangeFormat   ChangeType = "format"
	ChangeMetadata ChangeType = "metadata"
)

// ScanStatus is the outcome of a single scan attempt.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanError    ScanStatus = "error"
	ScanSkipped  ScanStatus = "skipped"
)

// ThreatLevel grades the severity of a scan verdict.
type ThreatLevel string

const (
	ThreatClean      ThreatLevel = "clean"
	ThreatSuspicious ThreatLevel = "suspicious"
	ThreatMalicious  ThreatLevel = "malicious"
	ThreatUnknown    ThreatLevel = "unknown"
)

// Severity orders threat levels so aggregation can keep the worst verdict.
func (t ThreatLevel) Severity() int {
	switch t {
	case ThreatClean:
		return 0
	case ThreatUnknown:
		return 1
	case ThreatSuspicious:
		return 2
	case ThreatMalicious:
		return 3
	}
	return 1
}

// UploadStrategy selects how a client transfers file content.
type UploadStrategy string

const (
	UploadDirect    UploadStrategy = "direct"
	UploadChunked   UploadStrategy = "chunked"
	UploadMultipart UploadStrategy = "multipart"
	UploadResumable UploadStrategy = "resumable"
)

// ConnectionQuality is a client-reported hint used for strategy selection.
type ConnectionQuality string

const (
	ConnectionGood ConnectionQuality = "good"
	ConnectionPoor ConnectionQuality = "poor"
)

// FileCategory groups files for validation, retention, and key layout.
type FileCategory string

const (
	CategoryLabResult    FileCategory = "lab_result"
	CategoryImaging      FileCategory = "imaging"
	CategoryPrescription FileCategory = "prescription"
	CategoryClinicalNote FileCategory = "clinical_note"
	CategoryConsentForm  FileCategory = "consent_form"
	CategoryInsurance    FileCategory = "insurance"
	CategoryOther        FileCategory = "other"
)

// Categories lists every known category, in a stable order.
func Categories() []FileCategory {
	return []FileCategory{
		CategoryLabResult, CategoryImaging, CategoryPrescription,
		CategoryClinicalNote, CategoryConsentForm, CategoryInsurance,
		CategoryOther,
	}
}
