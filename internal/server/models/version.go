package models

import "time"

// FileVersion is one revision of a logical file. Rows are created on every
// successful ingestion and never mutated afterwards except for status and
// approval fields.
type FileVersion struct {
	// VersionID is globally unique.
	VersionID string
	// FileID links the version to its logical file.
	FileID string
	// VersionNumber is 1-based and gapless per file.
	VersionNumber int

	Status     VersionStatus
	ChangeType ChangeType

	// ParentVersionID forms a singly linked lineage; empty for version 1.
	ParentVersionID string

	Checksum    string
	Size        int64
	StoragePath string
	ContentType string

	Comment  string
	Metadata map[string]string

	IsLocked bool

	CreatedBy    string
	CreatedAt    time.Time
	ApprovedBy   string
	ApprovedAt   *time.Time
	SupersededAt *time.Time
	ArchivedAt   *time.Time
}

// VersionDiff is the result of comparing two versions of the same file.
// Comparison is a pure read; it never touches stored state.
type VersionDiff struct {
	FileID         string
	FromVersion    int
	ToVersion      int
	SizeDelta      int64
	ContentChanged bool
	// MetadataAdded/Removed/Changed describe the key-level metadata diff.
	MetadataAdded   map[string]string
	MetadataRemoved map[string]string
	MetadataChanged map[string][2]string
}
