package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/logging"
)

// LocalOptions configures the filesystem backend.
type LocalOptions struct {
	// Root is the base directory; objects, metadata sidecars, and multipart
	// spool files live underneath it.
	Root string
	// QuotaBytes caps total stored content size; zero means unlimited.
	QuotaBytes int64
	// Codec, when set, encrypts content at rest with a backend-held key.
	Codec *cryptox.Codec
	// TokenSigner signs presigned-URL tokens for this backend.
	TokenSigner *URLTokenSigner
}

// LocalBackend stores objects under Root/objects with JSON metadata
// sidecars under Root/meta. It enforces a byte quota and optionally
// encrypts content at rest.
type LocalBackend struct {
	root   string
	quota  int64
	codec  *cryptox.Codec
	signer *URLTokenSigner
	logger logging.Logger

	mu   sync.Mutex
	used int64
}

// NewLocalBackend creates the directory layout and computes current usage
// for quota accounting.
func NewLocalBackend(opts LocalOptions, logger logging.Logger) (*LocalBackend, error) {
	for _, dir := range []string{"objects", "meta", "multipart"} {
		if err := os.MkdirAll(filepath.Join(opts.Root, dir), 0o770); err != nil {
			return nil, fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}

	b := &LocalBackend{
		root:   opts.Root,
		quota:  opts.QuotaBytes,
		codec:  opts.Codec,
		signer: opts.TokenSigner,
		logger: logger.With("backend", "local", "root", opts.Root),
	}

	used, err := b.scanUsage()
	if err != nil {
		return nil, err
	}
	b.used = used

	return b, nil
}

func (b *LocalBackend) Kind() string { return "local" }

func (b *LocalBackend) scanUsage() (int64, error) {
	var used int64
	objects := filepath.Join(b.root, "objects")
	err := filepath.WalkDir(objects, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan usage: %w", err)
	}
	return used, nil
}

func (b *LocalBackend) objectPath(key string) string {
	return filepath.Join(b.root, "objects", filepath.FromSlash(key))
}

func (b *LocalBackend) metaPath(key string) string {
	return filepath.Join(b.root, "meta", filepath.FromSlash(key)+".json")
}

// localMeta is the sidecar document stored next to each object.
type localMeta struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size"`
	ContentType  string            `json:"content_type"`
	Checksum     string            `json:"checksum"`
	Encrypted    bool              `json:"encrypted"`
	Tags         map[string]string `json:"tags,omitempty"`
	Custom       map[string]string `json:"custom_metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

func (b *LocalBackend) readMeta(key string) (localMeta, error) {
	raw, err := os.ReadFile(b.metaPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return localMeta{}, fmt.Errorf("%w: %s", common.ErrNotFound, key)
		}
		return localMeta{}, fmt.Errorf("read metadata %s: %w", key, err)
	}
	var m localMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return localMeta{}, fmt.Errorf("decode metadata %s: %w", key, err)
	}
	return m, nil
}

func (b *LocalBackend) writeMeta(key string, m localMeta) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := b.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o660)
}

func (m localMeta) toObjectMetadata() ObjectMetadata {
	return ObjectMetadata{
		Key:          m.Key,
		Size:         m.Size,
		ContentType:  m.ContentType,
		Checksum:     m.Checksum,
		Encrypted:    m.Encrypted,
		Tags:         m.Tags,
		Custom:       m.Custom,
		LastModified: m.LastModified,
	}
}

func (b *LocalBackend) reserve(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quota > 0 && b.used+n > b.quota {
		return fmt.Errorf("%w: %d of %d bytes used", common.ErrQuotaExceeded, b.used, b.quota)
	}
	b.used += n
	return nil
}

func (b *LocalBackend) release(n int64) {
	b.mu.Lock()
	b.used -= n
	if b.used < 0 {
		b.used = 0
	}
	b.mu.Unlock()
}

func (b *LocalBackend) Put(ctx context.Context, key string, data []byte, meta ObjectMetadata) (ObjectMetadata, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return ObjectMetadata{}, err
	}

	payload := data
	encrypted := meta.Encrypted
	if b.codec != nil && !encrypted {
		payload, err = b.codec.Encrypt(data)
		if err != nil {
			return ObjectMetadata{}, fmt.Errorf("encrypt %s: %w", key, err)
		}
		encrypted = true
	}

	if err := b.reserve(int64(len(payload))); err != nil {
		return ObjectMetadata{}, err
	}

	path := b.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o770); err != nil {
		b.release(int64(len(payload)))
		return ObjectMetadata{}, fmt.Errorf("mkdir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, payload, 0o660); err != nil {
		b.release(int64(len(payload)))
		return ObjectMetadata{}, fmt.Errorf("%w: write %s: %v", common.ErrBackendUnavailable, key, err)
	}

	m := localMeta{
		Key:          key,
		Size:         int64(len(data)),
		ContentType:  meta.ContentType,
		Checksum:     meta.Checksum,
		Encrypted:    encrypted,
		Tags:         meta.Tags,
		Custom:       meta.Custom,
		LastModified: time.Now().UTC(),
	}
	if err := b.writeMeta(key, m); err != nil {
		return ObjectMetadata{}, fmt.Errorf("write metadata %s: %w", key, err)
	}

	return m.toObjectMetadata(), nil
}

// Get reads an object, decrypts it if the backend holds the key, and
// verifies the plaintext checksum. Corruption surfaces as an integrity
// error, never as corrupted bytes.
func (b *LocalBackend) Get(ctx context.Context, key, versionToken string) ([]byte, ObjectMetadata, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return nil, ObjectMetadata{}, err
	}

	m, err := b.readMeta(key)
	if err != nil {
		return nil, ObjectMetadata{}, err
	}

	raw, err := os.ReadFile(b.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ObjectMetadata{}, fmt.Errorf("%w: %s", common.ErrNotFound, key)
		}
		return nil, ObjectMetadata{}, fmt.Errorf("%w: read %s: %v", common.ErrBackendUnavailable, key, err)
	}

	data := raw
	if m.Encrypted {
		if b.codec == nil {
			// Encrypted upstream; hand ciphertext back to the caller.
			return raw, m.toObjectMetadata(), nil
		}
		data, err = b.codec.Decrypt(raw)
		if err != nil {
			return nil, ObjectMetadata{}, fmt.Errorf("object %s: %w", key, err)
		}
	}

	if m.Checksum != "" {
		if err := cryptox.VerifyChecksum(data, m.Checksum); err != nil {
			return nil, ObjectMetadata{}, fmt.Errorf("object %s: %w", key, err)
		}
	}

	return data, m.toObjectMetadata(), nil
}

func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(b.objectPath(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (b *LocalBackend) Delete(ctx context.Context, key, versionToken string, permanent bool) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}

	info, err := os.Stat(b.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", common.ErrNotFound, key)
		}
		return err
	}

	// The local store has no version markers; soft deletion is tracked in
	// the catalog, so only permanent deletes touch the filesystem.
	if !permanent {
		return nil
	}

	if err := os.Remove(b.objectPath(key)); err != nil {
		return fmt.Errorf("%w: remove %s: %v", common.ErrBackendUnavailable, key, err)
	}
	_ = os.Remove(b.metaPath(key))
	b.release(info.Size())
	return nil
}

func (b *LocalBackend) List(ctx context.Context, prefix string, tags map[string]string, limit int, pageToken string) (ListPage, error) {
	metaRoot := filepath.Join(b.root, "meta")

	var keys []string
	err := filepath.WalkDir(metaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		rel, err := filepath.Rel(metaRoot, path)
		if err != nil {
			return err
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return ListPage{}, fmt.Errorf("list %q: %w", prefix, err)
	}

	sort.Strings(keys)

	// pageToken is the last key of the previous page.
	start := 0
	if pageToken != "" {
		start = sort.SearchStrings(keys, pageToken)
		if start < len(keys) && keys[start] == pageToken {
			start++
		}
	}

	page := ListPage{}
	for i := start; i < len(keys); i++ {
		if limit > 0 && len(page.Objects) == limit {
			page.NextToken = keys[i-1]
			break
		}
		m, err := b.readMeta(keys[i])
		if err != nil {
			return ListPage{}, err
		}
		if !matchTags(m.Tags, tags) {
			continue
		}
		page.Objects = append(page.Objects, m.toObjectMetadata())
	}
	return page, nil
}

func (b *LocalBackend) GetMetadata(ctx context.Context, key string) (ObjectMetadata, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return ObjectMetadata{}, err
	}
	m, err := b.readMeta(key)
	if err != nil {
		return ObjectMetadata{}, err
	}
	return m.toObjectMetadata(), nil
}

func (b *LocalBackend) UpdateMetadata(ctx context.Context, key string, tags, custom map[string]string) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	m, err := b.readMeta(key)
	if err != nil {
		return err
	}
	if tags != nil {
		m.Tags = tags
	}
	if custom != nil {
		m.Custom = custom
	}
	return b.writeMeta(key, m)
}

// PresignedURL returns an opaque token URL verified by VerifyURLToken.
// The enclosing API layer maps these onto real HTTP routes.
func (b *LocalBackend) PresignedURL(ctx context.Context, key string, op PresignOp, ttl time.Duration) (string, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	if b.signer == nil {
		return "", fmt.Errorf("%w: local backend has no token signer", common.ErrValidation)
	}
	token, err := b.signer.Sign(key, op, ttl)
	if err != nil {
		return "", err
	}
	return "local:///files/" + key + "?token=" + token, nil
}

// VerifyURLToken validates a token issued by PresignedURL and returns the
// key and operation it grants.
func (b *LocalBackend) VerifyURLToken(token string) (string, PresignOp, error) {
	if b.signer == nil {
		return "", "", fmt.Errorf("%w: local backend has no token signer", common.ErrValidation)
	}
	return b.signer.Verify(token)
}

func (b *LocalBackend) multipartDir(uploadID string) string {
	return filepath.Join(b.root, "multipart", uploadID)
}

func (b *LocalBackend) CreateMultipartUpload(ctx context.Context, key string, meta ObjectMetadata) (string, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}

	uploadID := uuid.New().String()
	dir := b.multipartDir(uploadID)
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return "", fmt.Errorf("create multipart %s: %w", key, err)
	}

	manifest := localMeta{
		Key:         key,
		ContentType: meta.ContentType,
		Checksum:    meta.Checksum,
		Encrypted:   meta.Encrypted,
		Tags:        meta.Tags,
		Custom:      meta.Custom,
	}
	raw, err := json.Marshal(manifest)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o660); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return uploadID, nil
}

func (b *LocalBackend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (Part, error) {
	if partNumber < 1 {
		return Part{}, fmt.Errorf("%w: part number %d", common.ErrValidation, partNumber)
	}
	dir := b.multipartDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return Part{}, fmt.Errorf("%w: upload %s", common.ErrNotFound, uploadID)
	}

	path := filepath.Join(dir, strconv.Itoa(partNumber))
	if err := os.WriteFile(path, data, 0o660); err != nil {
		return Part{}, fmt.Errorf("write part %d: %w", partNumber, err)
	}
	return Part{Number: partNumber, ETag: cryptox.Checksum(data)}, nil
}

// CompleteMultipartUpload concatenates parts in part-number order and stores
// the result through Put, so the committed object is either whole or absent.
func (b *LocalBackend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) (ObjectMetadata, error) {
	dir := b.multipartDir(uploadID)

	raw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return ObjectMetadata{}, fmt.Errorf("%w: upload %s", common.ErrNotFound, uploadID)
	}
	var manifest localMeta
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ObjectMetadata{}, fmt.Errorf("decode manifest: %w", err)
	}

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	var content []byte
	for _, p := range sorted {
		data, err := os.ReadFile(filepath.Join(dir, strconv.Itoa(p.Number)))
		if err != nil {
			return ObjectMetadata{}, fmt.Errorf("%w: part %d missing", common.ErrIntegrity, p.Number)
		}
		if got := cryptox.Checksum(data); got != p.ETag {
			return ObjectMetadata{}, fmt.Errorf("%w: part %d etag mismatch", common.ErrIntegrity, p.Number)
		}
		content = append(content, data...)
	}

	meta, err := b.Put(ctx, manifest.Key, content, manifest.toObjectMetadata())
	if err != nil {
		return ObjectMetadata{}, err
	}

	if err := os.RemoveAll(dir); err != nil {
		b.logger.Warn(ctx, "multipart spool not removed", "upload_id", uploadID, "error", err.Error())
	}
	return meta, nil
}

func (b *LocalBackend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	return os.RemoveAll(b.multipartDir(uploadID))
}
