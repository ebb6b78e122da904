package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"Narrato/config"
	"Narrato/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// BlobStore 封装了 MinIO 客户端, storing opaque blobs by key and
// computing their public CDN URLs.
type BlobStore struct {
	client        *minio.Client
	bucket        string
	region        string
	cdnOrigin     string
	presignExpiry time.Duration
	httpClient    *http.Client
}

// NewBlobStore 初始化 MinIO 客户端
func NewBlobStore(cfg *config.Config) (*BlobStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	logger.Info("MinIO client created",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket),
		logger.Bool("ssl", cfg.MinioUseSSL))

	return &BlobStore{
		client:        client,
		bucket:        cfg.MinioBucket,
		region:        cfg.MinioRegion,
		cdnOrigin:     strings.TrimRight(cfg.CDNOrigin, "/"),
		presignExpiry: cfg.PresignExpiry,
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

// Client exposes the underlying client for admin commands.
func (s *BlobStore) Client() *minio.Client {
	return s.client
}

// Bucket returns the configured bucket name.
func (s *BlobStore) Bucket() string {
	return s.bucket
}

// EnsureBucket 检查存储桶是否存在, creating it when missing.
func (s *BlobStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("Bucket created", logger.String("bucket", s.bucket))
	return nil
}

// PublicURL is the key appended to the CDN origin.
func (s *BlobStore) PublicURL(key string) string {
	return PublicURL(s.cdnOrigin, key)
}

// KeyFromURL reverses PublicURL; ok is false for URLs outside the CDN origin.
func (s *BlobStore) KeyFromURL(rawURL string) (string, bool) {
	return KeyFromURL(s.cdnOrigin, rawURL)
}

// Put uploads r under key and returns the public URL.
func (s *BlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// PutBytes is Put for an in-memory payload.
func (s *BlobStore) PutBytes(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return s.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}

// PutFile uploads a local file.
func (s *BlobStore) PutFile(ctx context.Context, key, path, contentType string) (string, error) {
	if _, err := s.client.FPutObject(ctx, s.bucket, key, path, minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "max-age=31536000",
	}); err != nil {
		return "", fmt.Errorf("upload %s from %s: %w", key, path, err)
	}
	return s.PublicURL(key), nil
}

// Open streams the object at key; the caller closes it. modTime comes from
// the object's metadata so Range and conditional requests can be served.
func (s *BlobStore) Open(ctx context.Context, key string) (io.ReadSeekCloser, time.Time, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}
	// GetObject 是惰性的，Stat 才会真正发出请求
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			return nil, time.Time{}, ErrObjectNotFound
		}
		return nil, time.Time{}, fmt.Errorf("stat %s: %w", key, err)
	}
	return obj, info.LastModified, nil
}

// Download writes the object at key to destPath.
func (s *BlobStore) Download(ctx context.Context, key, destPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, key, destPath, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("download %s: %w", key, ErrObjectNotFound)
		}
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// DownloadURL fetches rawURL into destPath. URLs under the CDN origin are read
// straight from the bucket; anything else is fetched over HTTP.
func (s *BlobStore) DownloadURL(ctx context.Context, rawURL, destPath string) error {
	if key, ok := s.KeyFromURL(rawURL); ok {
		return s.Download(ctx, key, destPath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", rawURL, err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", destPath, err)
	}
	return f.Close()
}

// Exists 检查对象是否存在
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", key, err)
}

// Remove deletes key. Removing a missing key is not an error.
func (s *BlobStore) Remove(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// PresignedPut issues a time-limited URL for a direct single-part client upload.
func (s *BlobStore) PresignedPut(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.presignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", key, err)
	}
	return u.String(), nil
}

// PresignedGet issues a time-limited read URL.
func (s *BlobStore) PresignedGet(ctx context.Context, key string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.presignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", key, err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
