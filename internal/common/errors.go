// Package common defines shared constants and sentinel errors used across
// the ingestion pipeline. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Validation errors: rejected before any write.
	ErrValidation       = errors.New("validation error")
	ErrInvalidCategory  = errors.New("invalid category")
	ErrFileTooLarge     = errors.New("file exceeds category size limit")
	ErrContentTypeDenied = errors.New("content type not allowed for category")

	// Integrity errors: checksum or chunk-size mismatch, never silently
	// corrected.
	ErrIntegrity         = errors.New("integrity error")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")

	// Upload session errors.
	ErrSessionExpired   = errors.New("upload session expired")
	ErrSessionComplete  = errors.New("upload session already complete")
	ErrChunkOutOfRange  = errors.New("chunk index out of range")

	// Scan / quarantine errors.
	ErrProviderUnavailable = errors.New("scan provider unavailable")
	ErrQuarantined         = errors.New("file is quarantined")
	ErrScanTooLarge        = errors.New("content exceeds maximum scannable size")

	// Version engine errors.
	ErrVersionLocked   = errors.New("version is locked")
	ErrVersionConflict = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid version status transition")

	// Backend errors.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrInvalidKey         = errors.New("invalid storage key")

	// Generic/internal flow control.
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)
