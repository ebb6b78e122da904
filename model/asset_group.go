package model

import "time"

// AssetGroup 音频集合, e.g. "Focus Story" or a custom mix.
type AssetGroup struct {
	ID        int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	OwnerID   string    `json:"ownerId" gorm:"size:64;index;not null"`
	EntityID  string    `json:"entityId" gorm:"size:64;not null;uniqueIndex:idx_asset_group_slot,priority:1"`
	Variant   string    `json:"variant" gorm:"size:32;not null;uniqueIndex:idx_asset_group_slot,priority:2"`
	VoiceID   string    `json:"voiceId" gorm:"size:32;not null;uniqueIndex:idx_asset_group_slot,priority:3"`
	Name      string    `json:"name" gorm:"size:200;not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName 指定表名
func (AssetGroup) TableName() string {
	return "audio_asset_groups"
}
