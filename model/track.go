package model

import "time"

// MixStatus 混音状态
type MixStatus string

const (
	MixStatusNone      MixStatus = "none"
	MixStatusPending   MixStatus = "pending"
	MixStatusCompleted MixStatus = "completed"
	MixStatusFailed    MixStatus = "failed"
)

// Valid reports whether s is one of the known mix states.
func (s MixStatus) Valid() bool {
	switch s {
	case MixStatusNone, MixStatusPending, MixStatusCompleted, MixStatusFailed:
		return true
	}
	return false
}

// Track is one narrated (and optionally mixed) audio unit.
// The (entity, section, voice, variant) tuple is unique, so a row is always the canonical one.
type Track struct {
	ID           int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID      string    `json:"ownerId" gorm:"size:64;index;not null"`
	EntityID     string    `json:"entityId" gorm:"size:64;not null;uniqueIndex:idx_track_canonical,priority:1"`
	SectionKey   string    `json:"sectionKey" gorm:"size:128;not null;uniqueIndex:idx_track_canonical,priority:2"`
	VoiceID      string    `json:"voiceId" gorm:"size:32;not null;uniqueIndex:idx_track_canonical,priority:3"`
	Variant      string    `json:"variant" gorm:"size:32;not null;uniqueIndex:idx_track_canonical,priority:4"`
	AssetGroupID *int64    `json:"assetGroupId,omitempty" gorm:"index"`
	StorageKey   string    `json:"storageKey" gorm:"size:512;not null"`
	AudioURL     string    `json:"audioUrl" gorm:"size:1024"`
	ContentHash  string    `json:"contentHash" gorm:"size:64"`
	VoiceUsed    string    `json:"voiceUsed,omitempty" gorm:"size:32"` // differs from VoiceID after a fallback
	MixStatus    MixStatus `json:"mixStatus" gorm:"size:16;default:'none';index"`
	MixedURL     string    `json:"mixedAudioUrl,omitempty" gorm:"size:1024"`
	MixedKey     string    `json:"mixedS3Key,omitempty" gorm:"size:512"`
	ErrorMessage *string   `json:"errorMessage,omitempty" gorm:"type:text"`
	State        int8      `json:"state" gorm:"default:1"` // 0=soft deleted, 1=normal
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"index"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "audio_tracks"
}

// TrackKey identifies the canonical slot a track occupies.
type TrackKey struct {
	EntityID   string
	SectionKey string
	VoiceID    string
	Variant    string
}

// Key returns the canonical tuple of t.
func (t *Track) Key() TrackKey {
	return TrackKey{EntityID: t.EntityID, SectionKey: t.SectionKey, VoiceID: t.VoiceID, Variant: t.Variant}
}

// MixUpdate carries the fields a mixing job may write back. The base narration is never touched.
type MixUpdate struct {
	Status       MixStatus `json:"mix_status"`
	MixedURL     string    `json:"mixed_audio_url"`
	MixedKey     string    `json:"mixed_s3_key"`
	ErrorMessage *string   `json:"error_message,omitempty"`
}
