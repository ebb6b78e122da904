package repository

import (
	"context"
	"errors"
	"fmt"

	"Narrato/model"

	"gorm.io/gorm"
)

// AssetGroupRepository 音频集合数据访问接口
type AssetGroupRepository interface {
	// GetOrCreate returns the group for (entity, variant, voice), creating it on first use.
	GetOrCreate(ctx context.Context, group *model.AssetGroup) (*model.AssetGroup, error)
	GetByID(ctx context.Context, id int64) (*model.AssetGroup, error)
}

type gormAssetGroupRepository struct {
	db *gorm.DB
}

// NewGormAssetGroupRepository 创建 GORM 音频集合仓库
func NewGormAssetGroupRepository(db *gorm.DB) AssetGroupRepository {
	return &gormAssetGroupRepository{db: db}
}

func (r *gormAssetGroupRepository) find(ctx context.Context, g *model.AssetGroup) (*model.AssetGroup, error) {
	var found model.AssetGroup
	err := r.db.WithContext(ctx).
		Where("entity_id = ? AND variant = ? AND voice_id = ?", g.EntityID, g.Variant, g.VoiceID).
		First(&found).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &found, nil
}

func (r *gormAssetGroupRepository) GetOrCreate(ctx context.Context, group *model.AssetGroup) (*model.AssetGroup, error) {
	found, err := r.find(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("find asset group: %w", err)
	}
	if found != nil {
		return found, nil
	}

	row := *group
	row.ID = 0
	err = r.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return &row, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("create asset group: %w", err)
	}
	// concurrent creator won
	found, err = r.find(ctx, group)
	if err != nil {
		return nil, fmt.Errorf("find asset group after conflict: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("create asset group: row missing after conflict")
	}
	return found, nil
}

func (r *gormAssetGroupRepository) GetByID(ctx context.Context, id int64) (*model.AssetGroup, error) {
	var group model.AssetGroup
	if err := r.db.WithContext(ctx).First(&group, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &group, nil
}
