package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Narrato/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackRepository defines the interface for track data operations.
type TrackRepository interface {
	// FindCanonical returns the track occupying key, or nil if none exists.
	FindCanonical(ctx context.Context, key model.TrackKey) (*model.Track, error)
	// Upsert writes track into its canonical slot, superseding any previous row.
	Upsert(ctx context.Context, track *model.Track) (*model.Track, error)
	GetByID(ctx context.Context, id int64) (*model.Track, error)
	ListByEntity(ctx context.Context, entityID string) ([]*model.Track, error)
	// UpdateMix writes mix fields only; the base narration is never modified.
	UpdateMix(ctx context.Context, id int64, update model.MixUpdate) error
}

// ErrTrackNotFound is returned by mutations that target a missing row.
var ErrTrackNotFound = errors.New("track not found")

// gormTrackRepository GORM 实现
type gormTrackRepository struct {
	db *gorm.DB
}

// NewGormTrackRepository 创建 GORM 曲目仓库
func NewGormTrackRepository(db *gorm.DB) TrackRepository {
	return &gormTrackRepository{db: db}
}

// canonicalUpsert resolves a conflict on idx_track_canonical by replacing the
// narration fields and resetting any mix derived from the old narration.
func canonicalUpsert() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_id"}, {Name: "section_key"}, {Name: "voice_id"}, {Name: "variant"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"owner_id", "asset_group_id", "storage_key", "audio_url", "content_hash", "voice_used",
			"mix_status", "mixed_url", "mixed_key", "error_message", "state", "updated_at",
		}),
	}
}

func (r *gormTrackRepository) FindCanonical(ctx context.Context, key model.TrackKey) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).
		Where("entity_id = ? AND section_key = ? AND voice_id = ? AND variant = ? AND state = 1",
			key.EntityID, key.SectionKey, key.VoiceID, key.Variant).
		First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

func (r *gormTrackRepository) Upsert(ctx context.Context, track *model.Track) (*model.Track, error) {
	row := *track
	row.ID = 0
	row.State = 1
	row.MixStatus = model.MixStatusNone
	row.MixedURL = ""
	row.MixedKey = ""
	row.ErrorMessage = nil
	row.UpdatedAt = time.Now()

	if err := r.db.WithContext(ctx).Clauses(canonicalUpsert()).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("upsert track %s/%s: %w", track.EntityID, track.SectionKey, err)
	}

	// LastInsertId is unreliable on the update branch of ON DUPLICATE KEY, so re-read.
	saved, err := r.FindCanonical(ctx, track.Key())
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, fmt.Errorf("upsert track %s/%s: row missing after write", track.EntityID, track.SectionKey)
	}
	return saved, nil
}

func (r *gormTrackRepository) GetByID(ctx context.Context, id int64) (*model.Track, error) {
	var track model.Track
	err := r.db.WithContext(ctx).Where("id = ? AND state = 1", id).First(&track).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &track, nil
}

func (r *gormTrackRepository) ListByEntity(ctx context.Context, entityID string) ([]*model.Track, error) {
	var tracks []*model.Track
	err := r.db.WithContext(ctx).
		Where("entity_id = ? AND state = 1", entityID).
		Order("updated_at DESC").
		Find(&tracks).Error
	if err != nil {
		return nil, err
	}
	return tracks, nil
}

func (r *gormTrackRepository) UpdateMix(ctx context.Context, id int64, update model.MixUpdate) error {
	if !update.Status.Valid() {
		return fmt.Errorf("invalid mix status %q", update.Status)
	}
	res := r.db.WithContext(ctx).Model(&model.Track{}).
		Where("id = ?", id).
		Updates(mixColumns(update))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrTrackNotFound
	}
	return nil
}

func mixColumns(update model.MixUpdate) map[string]interface{} {
	cols := map[string]interface{}{
		"mix_status":    update.Status,
		"error_message": update.ErrorMessage,
		"updated_at":    time.Now(),
	}
	// pending and failed keep whatever mixed asset already exists
	if update.Status == model.MixStatusCompleted {
		cols["mixed_url"] = update.MixedURL
		cols["mixed_key"] = update.MixedKey
	}
	return cols
}
