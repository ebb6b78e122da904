package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// BatchStatus 批次状态
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "pending"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

// Terminal reports whether no further mutation is expected.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// StringList 自定义类型用于 GORM JSON 字段的自动扫描
type StringList []string

// Scan 实现 sql.Scanner 接口
func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*s = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*s = nil
		return nil
	}
	return json.Unmarshal(bytes, s)
}

// Value 实现 driver.Valuer 接口
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Int64List is the JSON column type for linked asset group ids.
type Int64List []int64

func (l *Int64List) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		*l = nil
		return nil
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*l = nil
		return nil
	}
	return json.Unmarshal(bytes, l)
}

func (l Int64List) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Contains reports whether id is already linked.
func (l Int64List) Contains(id int64) bool {
	for _, v := range l {
		if v == id {
			return true
		}
	}
	return false
}

// Batch is the ledger record of one orchestration run.
//
// ActiveKey holds the owner id while the batch is pending or processing and is
// NULL once terminal. The unique index on it means at most one in-flight batch
// per owner can exist, regardless of how many requests race to start one.
type Batch struct {
	ID                string      `json:"id" gorm:"primaryKey;size:36"`
	OwnerID           string      `json:"ownerId" gorm:"size:64;index;not null"`
	EntityID          string      `json:"entityId" gorm:"size:64;index"`
	ActiveKey         *string     `json:"-" gorm:"size:64;uniqueIndex:idx_batch_active"`
	RequestedSections StringList  `json:"requestedSections" gorm:"type:json"`
	VoiceID           string      `json:"voiceId" gorm:"size:32"`
	Variants          StringList  `json:"variants" gorm:"type:json"`
	TotalExpected     int         `json:"totalExpected" gorm:"not null"`
	CompletedCount    int         `json:"completedCount" gorm:"not null;default:0"`
	FailedCount       int         `json:"failedCount" gorm:"not null;default:0"`
	Status            BatchStatus `json:"status" gorm:"size:16;not null;default:'pending';index"`
	AssetGroupIDs     Int64List   `json:"assetGroupIds" gorm:"type:json"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
	FinishedAt        *time.Time  `json:"finishedAt,omitempty"`
}

// TableName 指定表名
func (Batch) TableName() string {
	return "audio_batches"
}

// Resolved is the number of units that reached an outcome.
func (b *Batch) Resolved() int {
	return b.CompletedCount + b.FailedCount
}

// BatchRequest describes a batch to start.
type BatchRequest struct {
	OwnerID           string
	EntityID          string
	VoiceID           string
	RequestedSections []string
	Variants          []string
}

// TotalExpected is one track per (section, variant) pair.
func (r BatchRequest) TotalExpected() int {
	n := len(r.Variants)
	if n == 0 {
		n = 1
	}
	return len(r.RequestedSections) * n
}

// FinalStatus applies the ledger rule: failed only when every unit failed.
func FinalStatus(total, failed int) BatchStatus {
	if total > 0 && failed == total {
		return BatchStatusFailed
	}
	return BatchStatusCompleted
}

// BatchProgress is published after every ledger mutation.
type BatchProgress struct {
	BatchID        string      `json:"batchId"`
	SectionKey     string      `json:"sectionKey,omitempty"`
	Outcome        OutcomeKind `json:"outcome,omitempty"`
	CompletedCount int         `json:"completedCount"`
	FailedCount    int         `json:"failedCount"`
	TotalExpected  int         `json:"totalExpected"`
	Status         BatchStatus `json:"status"`
}
