package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"Narrato/logger"
	"Narrato/storage"
)

// ObjectOpener streams objects from the bucket.
type ObjectOpener interface {
	Open(ctx context.Context, key string) (io.ReadSeekCloser, time.Time, error)
}

// MediaHandler 处理 MinIO 媒体文件请求, for deployments where the CDN origin points back at this server.
type MediaHandler struct {
	objects ObjectOpener
}

// NewMediaHandler 创建 MediaHandler 实例
func NewMediaHandler(objects ObjectOpener) *MediaHandler {
	return &MediaHandler{objects: objects}
}

// ServeHTTP 实现 http.Handler 接口
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/media/")
	if key == "" || strings.Contains(key, "..") {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}

	// 对象的后续读取沿用这个 ctx，客户端断开即停止
	obj, modTime, err := h.objects.Open(r.Context(), key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Error("Error serving file from MinIO", logger.String("key", key), logger.ErrorField(err))
		http.Error(w, "Failed to read file", http.StatusInternalServerError)
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", storage.ContentTypeFor(path.Ext(key)))
	w.Header().Set("Cache-Control", "public, max-age=31536000")
	// ServeContent 负责 Range 请求
	http.ServeContent(w, r, path.Base(key), modTime, obj)
}
