package models

import "time"

// Attachment is the catalog row for one logical file. The pipeline updates
// it as a side effect of ingestion, scanning, and lifecycle sweeps; the row
// itself belongs to the relational catalog, the system of record consulted
// by the enclosing API.
type Attachment struct {
	// FileID is the opaque, path-like logical key of the file. It doubles
	// as the object-store key prefix across storage tiers.
	FileID string
	// PatientID scopes patient-owned documents; empty for unscoped files.
	PatientID string

	FileName    string
	Category    FileCategory
	ContentType string
	Size        int64
	// Checksum is the SHA-256 of the plaintext content.
	Checksum string

	Status          AttachmentStatus
	VirusScanStatus ScanStatus
	IsQuarantined   bool
	// NeedsReview flags rows whose scan ended in error under the fail-open
	// policy, so operators can follow up manually.
	NeedsReview bool

	Encrypted      bool
	StorageBackend string
	StoragePath    string

	// Version mirrors the current version number from the version engine.
	Version int

	Tags           map[string]string
	CustomMetadata map[string]string

	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt *time.Time
	AccessCount    int64
}
