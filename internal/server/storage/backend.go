// Package storage defines the uniform backend contract the pipeline stores
// bytes through, plus the S3 and local filesystem implementations.
//
// Every implementation computes a SHA-256 checksum over plaintext on write
// and refuses to return data whose checksum does not match on read.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/docuvault/internal/common"
)

// PresignOp is the operation a presigned URL authorizes.
type PresignOp string

const (
	PresignGet PresignOp = "get"
	PresignPut PresignOp = "put"
)

// ObjectMetadata describes one stored object.
type ObjectMetadata struct {
	Key         string
	Size        int64
	ContentType string
	// Checksum is the SHA-256 hex digest of the plaintext content,
	// computed before any encryption.
	Checksum string
	// Encrypted records whether the stored bytes are ciphertext.
	Encrypted bool
	// VersionToken is the backend-assigned storage version, when the
	// backend versions objects. Distinct from the version engine's numbers.
	VersionToken string
	Tags         map[string]string
	Custom       map[string]string
	LastModified time.Time
}

// Part identifies one uploaded part of a multipart upload.
type Part struct {
	Number int
	ETag   string
}

// ListPage is one page of a listing.
type ListPage struct {
	Objects   []ObjectMetadata
	NextToken string
}

// Backend is the uniform contract over physical stores. Implementations
// must be safe for concurrent use.
type Backend interface {
	// Kind returns the registry key of the backend ("s3", "local", ...).
	Kind() string

	Put(ctx context.Context, key string, data []byte, meta ObjectMetadata) (ObjectMetadata, error)
	// Get returns content and metadata. A non-empty versionToken requests
	// a specific backend-side version where supported.
	Get(ctx context.Context, key, versionToken string) ([]byte, ObjectMetadata, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes an object. Non-permanent deletes may translate to a
	// delete marker on versioned stores.
	Delete(ctx context.Context, key, versionToken string, permanent bool) error
	// List pages keys under prefix. A non-empty tags map keeps only
	// objects carrying every given tag.
	List(ctx context.Context, prefix string, tags map[string]string, limit int, pageToken string) (ListPage, error)
	GetMetadata(ctx context.Context, key string) (ObjectMetadata, error)
	UpdateMetadata(ctx context.Context, key string, tags, custom map[string]string) error
	PresignedURL(ctx context.Context, key string, op PresignOp, ttl time.Duration) (string, error)

	// Multipart protocol. Parts may arrive out of order; Complete commits
	// atomically once every expected part is present and must never be
	// retried blindly.
	CreateMultipartUpload(ctx context.Context, key string, meta ObjectMetadata) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (Part, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) (ObjectMetadata, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

// matchTags reports whether an object's tags satisfy every requested tag.
func matchTags(objTags, want map[string]string) bool {
	for k, v := range want {
		if objTags[k] != v {
			return false
		}
	}
	return true
}

// SanitizeKey validates a logical storage key against path traversal and
// returns it in normalized form. Keys are slash-separated relative paths.
func SanitizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", common.ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", fmt.Errorf("%w: %q", common.ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: %q", common.ErrInvalidKey, key)
		}
	}
	return key, nil
}
