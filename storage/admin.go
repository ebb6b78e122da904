package storage

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	Bucket       string
	Prefix       string
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	// ByKind groups object sizes by media kind (audio, image, video, document, other).
	ByKind map[string]int64
	// ByTopFolder groups object counts by the first key segment under Prefix.
	ByTopFolder map[string]int64
}

// Stats walks every object under prefix and aggregates sizes.
func (s *BlobStore) Stats(ctx context.Context, prefix string) (*BucketStats, error) {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶是否存在失败: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("存储桶 %s 不存在", s.bucket)
	}

	stats := &BucketStats{
		Bucket:      s.bucket,
		Prefix:      prefix,
		ByKind:      map[string]int64{},
		ByTopFolder: map[string]int64{},
	}
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("列出对象时出错: %w", obj.Err)
		}
		stats.TotalObjects++
		stats.TotalSize += obj.Size
		if obj.LastModified.After(stats.LastModified) {
			stats.LastModified = obj.LastModified
		}
		stats.ByKind[kindOf(obj.Key)] += obj.Size
		stats.ByTopFolder[topFolder(prefix, obj.Key)]++
	}
	return stats, nil
}

func topFolder(prefix, key string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i] + "/"
	}
	return "."
}

// kindOf 从文件名推断内容类型
func kindOf(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp3", ".wav", ".flac", ".m4a", ".aac", ".ogg", ".opus":
		return "audio"
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return "image"
	case ".mp4", ".avi", ".mov", ".mkv", ".webm":
		return "video"
	case ".pdf", ".doc", ".docx", ".txt":
		return "document"
	default:
		return "other"
	}
}

// SortedKeys returns the keys of m ordered by descending value.
func SortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	return keys
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
