package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"Narrato/model"

	"github.com/minio/minio-go/v7"
)

// MultipartStore drives provider-side multipart uploads through the low level
// Core API so parts can be PUT by clients directly with presigned URLs.
type MultipartStore struct {
	core      *minio.Core
	bucket    string
	cdnOrigin string
	expiry    time.Duration
}

// NewMultipartStore shares the blob store's connection.
func NewMultipartStore(bs *BlobStore) *MultipartStore {
	return &MultipartStore{
		core:      &minio.Core{Client: bs.client},
		bucket:    bs.bucket,
		cdnOrigin: bs.cdnOrigin,
		expiry:    bs.presignExpiry,
	}
}

// Create opens a multipart upload and returns the provider's upload id.
func (m *MultipartStore) Create(ctx context.Context, key, contentType string) (string, error) {
	uploadID, err := m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	return uploadID, nil
}

// PartURL presigns a PUT for one part.
func (m *MultipartStore) PartURL(ctx context.Context, key, uploadID string, partNumber int) (string, error) {
	params := url.Values{}
	params.Set("partNumber", strconv.Itoa(partNumber))
	params.Set("uploadId", uploadID)
	u, err := m.core.Presign(ctx, "PUT", m.bucket, key, m.expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign part %d of %s: %w", partNumber, key, err)
	}
	return u.String(), nil
}

// Complete assembles the parts and returns the public URL of the final object.
func (m *MultipartStore) Complete(ctx context.Context, key, uploadID string, parts []model.CompletedPart) (string, error) {
	completeParts := make([]minio.CompletePart, 0, len(parts))
	for _, p := range parts {
		completeParts = append(completeParts, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	if _, err := m.core.CompleteMultipartUpload(ctx, m.bucket, key, uploadID, completeParts, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("complete multipart upload %s: %w", uploadID, err)
	}
	return PublicURL(m.cdnOrigin, key), nil
}

// Abort releases uploaded parts. An upload the provider no longer knows is treated as aborted.
func (m *MultipartStore) Abort(ctx context.Context, key, uploadID string) error {
	err := m.core.AbortMultipartUpload(ctx, m.bucket, key, uploadID)
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
		return nil
	}
	return fmt.Errorf("abort multipart upload %s: %w", uploadID, err)
}

// PendingUpload is an incomplete multipart upload still holding parts.
type PendingUpload struct {
	Key       string
	UploadID  string
	Initiated time.Time
	Size      int64
}

// ListPending 列出未完成的分片上传
func (m *MultipartStore) ListPending(ctx context.Context, prefix string) ([]PendingUpload, error) {
	var pending []PendingUpload
	for info := range m.core.ListIncompleteUploads(ctx, m.bucket, prefix, true) {
		if info.Err != nil {
			return nil, fmt.Errorf("list incomplete uploads: %w", info.Err)
		}
		pending = append(pending, PendingUpload{
			Key:       info.Key,
			UploadID:  info.UploadID,
			Initiated: info.Initiated,
			Size:      info.Size,
		})
	}
	return pending, nil
}

// AbortStale aborts uploads initiated before olderThan ago and returns how many were released.
func (m *MultipartStore) AbortStale(ctx context.Context, prefix string, olderThan time.Duration) (int, error) {
	pending, err := m.ListPending(ctx, prefix)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	aborted := 0
	for _, p := range pending {
		if p.Initiated.After(cutoff) {
			continue
		}
		if err := m.Abort(ctx, p.Key, p.UploadID); err != nil {
			return aborted, err
		}
		aborted++
	}
	return aborted, nil
}
