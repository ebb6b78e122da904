package model

import "time"

// UploadState 分片上传会话状态
type UploadState string

const (
	UploadStateOpen       UploadState = "open"
	UploadStateCompleting UploadState = "completing"
	UploadStateCompleted  UploadState = "completed"
	UploadStateAborted    UploadState = "aborted"
)

// UploadSession is the ephemeral record of one chunked upload.
// It lives in Redis with a TTL and is never written to the relational store.
type UploadSession struct {
	UploadID  string       `json:"uploadId"`
	Key       string       `json:"key"`
	FileName  string       `json:"fileName,omitempty"`
	FileType  string       `json:"fileType,omitempty"`
	State     UploadState  `json:"state"`
	Requested map[int]bool `json:"requested,omitempty"` // part numbers a URL was issued for
	CreatedAt time.Time    `json:"createdAt"`
	ClosedAt  *time.Time   `json:"closedAt,omitempty"`
}

// CompletedPart is a (partNumber, integrityTag) pair reported by the client.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}
