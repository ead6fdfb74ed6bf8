package models

import "time"

// Threat is one finding reported by a scan provider.
type Threat struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Severity string `json:"severity,omitempty"`
}

// ScanRecord is the append-only result of one (file, provider, attempt).
// A file's effective scan status is the conjunction of the latest record
// from each required provider.
type ScanRecord struct {
	ID       int64
	FileID   string
	Provider string
	Attempt  int

	Status      ScanStatus
	ThreatLevel ThreatLevel
	IsClean     bool
	Threats     []Threat

	// SkipReason is set when scanning was refused (e.g. content larger than
	// the configured maximum).
	SkipReason string

	ScanDuration time.Duration
	ScannedAt    time.Time
}
