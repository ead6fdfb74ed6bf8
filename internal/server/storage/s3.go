package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/docuvault/internal/common"
	"github.com/dmitrijs2005/docuvault/internal/cryptox"
	"github.com/dmitrijs2005/docuvault/internal/logging"
)

const (
	metaChecksum  = "plaintext-sha256"
	metaEncrypted = "encrypted"
	metaFilename  = "original-filename"
	customPrefix  = "x-"

	// archiveAfterDays is the bucket-level transition to infrequent access.
	archiveTransitionDays = 90
)

// S3Options configures the S3-compatible backend (AWS S3 or MinIO).
type S3Options struct {
	User         string
	Password     string
	Bucket       string
	Region       string
	BaseEndpoint string
}

// S3Backend stores objects in an S3-compatible bucket. Object metadata
// carries the plaintext checksum; bucket policy (versioning, default
// encryption, lifecycle, TLS-only) is applied once by EnsureBucket.
type S3Backend struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  logging.Logger
}

// NewS3Backend builds the backend client the same way the presign flow
// does: static credentials plus an optional base endpoint override for
// MinIO-compatible stores.
func NewS3Backend(ctx context.Context, opts S3Options, logger logging.Logger) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.User,
			opts.Password,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrBackendUnavailable, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(opts.BaseEndpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Backend{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		logger:  logger.With("backend", "s3", "bucket", opts.Bucket),
	}, nil
}

func (b *S3Backend) Kind() string { return "s3" }

// EnsureBucket creates the bucket if needed and applies bucket-level policy:
// versioning, default SSE, lifecycle transition to the archive storage
// class, and a TLS-only access policy. One-time setup, not per-call.
func (b *S3Backend) EnsureBucket(ctx context.Context) error {
	_, err := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return fmt.Errorf("%w: create bucket: %v", common.ErrBackendUnavailable, err)
		}
	}

	if _, err := b.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(b.bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	}); err != nil {
		return fmt.Errorf("enable versioning: %w", err)
	}

	if _, err := b.client.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: aws.String(b.bucket),
		ServerSideEncryptionConfiguration: &types.ServerSideEncryptionConfiguration{
			Rules: []types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &types.ServerSideEncryptionByDefault{
					SSEAlgorithm: types.ServerSideEncryptionAes256,
				},
			}},
		},
	}); err != nil {
		// MinIO without KMS rejects this; not fatal because the pipeline
		// encrypts client-side as well.
		b.logger.Warn(ctx, "default bucket encryption not applied", "error", err.Error())
	}

	if _, err := b.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(b.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{{
				ID:     aws.String("archive-tier"),
				Status: types.ExpirationStatusEnabled,
				Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
				Transitions: []types.Transition{{
					Days:         aws.Int32(archiveTransitionDays),
					StorageClass: types.TransitionStorageClassStandardIa,
				}},
			}},
		},
	}); err != nil {
		b.logger.Warn(ctx, "lifecycle configuration not applied", "error", err.Error())
	}

	policy := fmt.Sprintf(`{
  "Version": "2012-10-17",
  "Statement": [{
    "Sid": "DenyInsecureTransport",
    "Effect": "Deny",
    "Principal": "*",
    "Action": "s3:*",
    "Resource": ["arn:aws:s3:::%s", "arn:aws:s3:::%s/*"],
    "Condition": {"Bool": {"aws:SecureTransport": "false"}}
  }]
}`, b.bucket, b.bucket)
	if _, err := b.client.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: aws.String(b.bucket),
		Policy: aws.String(policy),
	}); err != nil {
		b.logger.Warn(ctx, "TLS-only bucket policy not applied", "error", err.Error())
	}

	return nil
}

func (b *S3Backend) Put(ctx context.Context, key string, data []byte, meta ObjectMetadata) (ObjectMetadata, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return ObjectMetadata{}, err
	}

	objMeta := map[string]string{
		metaChecksum:  meta.Checksum,
		metaEncrypted: fmt.Sprintf("%t", meta.Encrypted),
	}
	for k, v := range meta.Custom {
		objMeta[customPrefix+k] = v
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(meta.ContentType),
		Metadata:    objMeta,
	}
	if len(meta.Tags) > 0 {
		input.Tagging = aws.String(encodeTags(meta.Tags))
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		return ObjectMetadata{}, fmt.Errorf("%w: put %s: %v", common.ErrBackendUnavailable, key, err)
	}

	stored := meta
	stored.Key = key
	stored.Size = int64(len(data))
	stored.LastModified = time.Now().UTC()
	if out.VersionId != nil {
		stored.VersionToken = *out.VersionId
	}
	return stored, nil
}

// Get fetches an object, retrying transient failures since reads are
// idempotent. For unencrypted objects the plaintext checksum is verified
// here; for encrypted ones verification happens after decryption upstream.
func (b *S3Backend) Get(ctx context.Context, key, versionToken string) ([]byte, ObjectMetadata, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return nil, ObjectMetadata{}, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if versionToken != "" {
		input.VersionId = aws.String(versionToken)
	}

	var data []byte
	var out *s3.GetObjectOutput

	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		var err error
		out, err = b.client.GetObject(ctx, input)
		if err != nil {
			var nf *types.NoSuchKey
			if errors.As(err, &nf) {
				return fmt.Errorf("%w: %s", common.ErrNotFound, key)
			}
			return retry.RetryableError(err)
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ObjectMetadata{}, err
		}
		return nil, ObjectMetadata{}, fmt.Errorf("%w: get %s: %v", common.ErrBackendUnavailable, key, err)
	}

	meta := b.metadataFromObject(key, out.Metadata, out.ContentType, out.VersionId, out.LastModified, int64(len(data)))

	if !meta.Encrypted && meta.Checksum != "" {
		if got := cryptox.Checksum(data); got != meta.Checksum {
			return nil, ObjectMetadata{}, fmt.Errorf("%w: object %s: have %s, want %s",
				common.ErrChecksumMismatch, key, got, meta.Checksum)
		}
	}

	return data, meta, nil
}

func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return false, err
	}
	_, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("%w: head %s: %v", common.ErrBackendUnavailable, key, err)
	}
	return true, nil
}

func (b *S3Backend) Delete(ctx context.Context, key, versionToken string, permanent bool) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}

	input := &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	// On a versioned bucket deleting without a version id only writes a
	// delete marker. A permanent delete must name the version.
	if permanent && versionToken != "" {
		input.VersionId = aws.String(versionToken)
	}

	if _, err := b.client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("%w: delete %s: %v", common.ErrBackendUnavailable, key, err)
	}
	return nil
}

// List pages keys under prefix. ListObjectsV2 carries no tags, so a tag
// filter costs one GetObjectTagging call per candidate key and is applied
// within each page.
func (b *S3Backend) List(ctx context.Context, prefix string, tags map[string]string, limit int, pageToken string) (ListPage, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if prefix != "" {
		input.Prefix = aws.String(prefix)
	}
	if limit > 0 {
		input.MaxKeys = aws.Int32(int32(limit))
	}
	if pageToken != "" {
		input.ContinuationToken = aws.String(pageToken)
	}

	out, err := b.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListPage{}, fmt.Errorf("%w: list %q: %v", common.ErrBackendUnavailable, prefix, err)
	}

	page := ListPage{}
	for _, obj := range out.Contents {
		m := ObjectMetadata{Key: aws.ToString(obj.Key)}
		if obj.Size != nil {
			m.Size = *obj.Size
		}
		if obj.LastModified != nil {
			m.LastModified = *obj.LastModified
		}
		if len(tags) > 0 {
			tagOut, err := b.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
				Bucket: aws.String(b.bucket),
				Key:    obj.Key,
			})
			if err != nil {
				return ListPage{}, fmt.Errorf("%w: tags of %s: %v", common.ErrBackendUnavailable, m.Key, err)
			}
			m.Tags = make(map[string]string, len(tagOut.TagSet))
			for _, t := range tagOut.TagSet {
				m.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			if !matchTags(m.Tags, tags) {
				continue
			}
		}
		page.Objects = append(page.Objects, m)
	}
	if out.NextContinuationToken != nil {
		page.NextToken = *out.NextContinuationToken
	}
	return page, nil
}

func (b *S3Backend) GetMetadata(ctx context.Context, key string) (ObjectMetadata, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return ObjectMetadata{}, err
	}

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return ObjectMetadata{}, fmt.Errorf("%w: %s", common.ErrNotFound, key)
		}
		return ObjectMetadata{}, fmt.Errorf("%w: head %s: %v", common.ErrBackendUnavailable, key, err)
	}

	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	meta := b.metadataFromObject(key, out.Metadata, out.ContentType, out.VersionId, out.LastModified, size)

	tagOut, err := b.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		meta.Tags = make(map[string]string, len(tagOut.TagSet))
		for _, t := range tagOut.TagSet {
			meta.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
	}

	return meta, nil
}

// UpdateMetadata replaces tags in place and rewrites custom metadata via a
// self-copy, since S3 object metadata is immutable.
func (b *S3Backend) UpdateMetadata(ctx context.Context, key string, tags, custom map[string]string) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}

	if tags != nil {
		tagSet := make([]types.Tag, 0, len(tags))
		for k, v := range tags {
			tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		if _, err := b.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
			Bucket:  aws.String(b.bucket),
			Key:     aws.String(key),
			Tagging: &types.Tagging{TagSet: tagSet},
		}); err != nil {
			return fmt.Errorf("%w: tag %s: %v", common.ErrBackendUnavailable, key, err)
		}
	}

	if custom != nil {
		current, err := b.GetMetadata(ctx, key)
		if err != nil {
			return err
		}

		objMeta := map[string]string{
			metaChecksum:  current.Checksum,
			metaEncrypted: fmt.Sprintf("%t", current.Encrypted),
		}
		for k, v := range custom {
			objMeta[customPrefix+k] = v
		}

		if _, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:            aws.String(b.bucket),
			Key:               aws.String(key),
			CopySource:        aws.String(url.PathEscape(b.bucket + "/" + key)),
			Metadata:          objMeta,
			MetadataDirective: types.MetadataDirectiveReplace,
			ContentType:       aws.String(current.ContentType),
		}); err != nil {
			return fmt.Errorf("%w: rewrite metadata %s: %v", common.ErrBackendUnavailable, key, err)
		}
	}

	return nil
}

func (b *S3Backend) PresignedURL(ctx context.Context, key string, op PresignOp, ttl time.Duration) (string, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}

	switch op {
	case PresignGet:
		req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("%w: presign get %s: %v", common.ErrBackendUnavailable, key, err)
		}
		return req.URL, nil
	case PresignPut:
		req, err := b.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return "", fmt.Errorf("%w: presign put %s: %v", common.ErrBackendUnavailable, key, err)
		}
		return req.URL, nil
	default:
		return "", fmt.Errorf("%w: unknown presign op %q", common.ErrValidation, op)
	}
}

func (b *S3Backend) CreateMultipartUpload(ctx context.Context, key string, meta ObjectMetadata) (string, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}

	objMeta := map[string]string{
		metaChecksum:  meta.Checksum,
		metaEncrypted: fmt.Sprintf("%t", meta.Encrypted),
	}
	for k, v := range meta.Custom {
		objMeta[customPrefix+k] = v
	}

	out, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(meta.ContentType),
		Metadata:    objMeta,
	})
	if err != nil {
		return "", fmt.Errorf("%w: create multipart %s: %v", common.ErrBackendUnavailable, key, err)
	}
	return aws.ToString(out.UploadId), nil
}

func (b *S3Backend) UploadPart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (Part, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return Part{}, err
	}

	out, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(b.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return Part{}, fmt.Errorf("%w: upload part %d of %s: %v", common.ErrBackendUnavailable, partNumber, key, err)
	}
	return Part{Number: partNumber, ETag: aws.ToString(out.ETag)}, nil
}

// CompleteMultipartUpload commits the object. The commit is atomic on the
// backend side and is deliberately not retried: a second completion of the
// same upload id is not idempotent.
func (b *S3Backend) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []Part) (ObjectMetadata, error) {
	key, err := SanitizeKey(key)
	if err != nil {
		return ObjectMetadata{}, err
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.ETag),
			PartNumber: aws.Int32(int32(p.Number)),
		})
	}

	out, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return ObjectMetadata{}, fmt.Errorf("%w: complete multipart %s: %v", common.ErrBackendUnavailable, key, err)
	}

	meta := ObjectMetadata{Key: key, LastModified: time.Now().UTC()}
	if out.VersionId != nil {
		meta.VersionToken = *out.VersionId
	}
	return meta, nil
}

func (b *S3Backend) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	key, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	if _, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}); err != nil {
		return fmt.Errorf("%w: abort multipart %s: %v", common.ErrBackendUnavailable, key, err)
	}
	return nil
}

func (b *S3Backend) metadataFromObject(key string, objMeta map[string]string, contentType, versionID *string, lastModified *time.Time, size int64) ObjectMetadata {
	meta := ObjectMetadata{
		Key:  key,
		Size: size,
	}
	if contentType != nil {
		meta.ContentType = *contentType
	}
	if versionID != nil {
		meta.VersionToken = *versionID
	}
	if lastModified != nil {
		meta.LastModified = *lastModified
	}
	meta.Custom = make(map[string]string)
	for k, v := range objMeta {
		// S3 lowercases user metadata keys on the wire.
		lk := strings.ToLower(k)
		switch {
		case lk == metaChecksum:
			meta.Checksum = v
		case lk == metaEncrypted:
			meta.Encrypted = v == "true"
		case strings.HasPrefix(lk, customPrefix):
			meta.Custom[strings.TrimPrefix(lk, customPrefix)] = v
		}
	}
	return meta
}

func encodeTags(tags map[string]string) string {
	vals := url.Values{}
	for k, v := range tags {
		vals.Set(k, v)
	}
	return vals.Encode()
}
