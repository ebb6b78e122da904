package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Narrato/logger"
	"Narrato/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrBatchNotFound 批次不存在
	ErrBatchNotFound = errors.New("batch not found")
	// ErrProgressOverflow is returned when a delta would push completed+failed past total_expected.
	ErrProgressOverflow = errors.New("batch progress would exceed total expected")
	// ErrBatchTerminal is returned when mutating a batch that already reached a final status.
	ErrBatchTerminal = errors.New("batch already finalized")
)

// BatchRepository is the batch ledger. RecordProgress and Finalize are the only
// mutations used while a run is in flight.
type BatchRepository interface {
	// StartOrGetActive returns the owner's in-flight batch if there is one, otherwise
	// creates a pending batch. created reports which happened.
	StartOrGetActive(ctx context.Context, req model.BatchRequest) (batch *model.Batch, created bool, err error)
	MarkProcessing(ctx context.Context, id string) error
	RecordProgress(ctx context.Context, id string, completedDelta, failedDelta int) (*model.Batch, error)
	Finalize(ctx context.Context, id string, status model.BatchStatus) (*model.Batch, error)
	LinkAssetGroup(ctx context.Context, id string, groupID int64) error
	GetByID(ctx context.Context, id string) (*model.Batch, error)
}

type gormBatchRepository struct {
	db         *gorm.DB
	staleAfter time.Duration
}

// NewGormBatchRepository 创建 GORM 批次仓库. An active batch untouched for longer
// than staleAfter is treated as abandoned and failed on the next start; zero
// disables reclamation.
func NewGormBatchRepository(db *gorm.DB, staleAfter time.Duration) BatchRepository {
	return &gormBatchRepository{db: db, staleAfter: staleAfter}
}

var inFlight = []model.BatchStatus{model.BatchStatusPending, model.BatchStatusProcessing}

// reclaimStale fails b if it has not been touched since the cutoff. The
// updated_at guard loses to any progress written in the meantime.
func (r *gormBatchRepository) reclaimStale(ctx context.Context, b *model.Batch) (bool, error) {
	if r.staleAfter <= 0 || time.Since(b.UpdatedAt) < r.staleAfter {
		return false, nil
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Batch{}).
		Where("id = ? AND status IN ? AND updated_at < ?", b.ID, inFlight, now.Add(-r.staleAfter)).
		Updates(map[string]interface{}{
			"status":      model.BatchStatusFailed,
			"active_key":  nil,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("reclaim stale batch %s: %w", b.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	logger.Warn("Reclaimed stale batch",
		logger.String("batchId", b.ID),
		logger.String("ownerId", b.OwnerID),
		logger.String("status", string(b.Status)),
		logger.Duration("idle", now.Sub(b.UpdatedAt)))
	return true, nil
}

func (r *gormBatchRepository) findActive(ctx context.Context, ownerID string) (*model.Batch, error) {
	var batch model.Batch
	err := r.db.WithContext(ctx).Where("active_key = ?", ownerID).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}

func (r *gormBatchRepository) StartOrGetActive(ctx context.Context, req model.BatchRequest) (*model.Batch, bool, error) {
	if req.OwnerID == "" {
		return nil, false, fmt.Errorf("start batch: owner id is required")
	}

	existing, err := r.findActive(ctx, req.OwnerID)
	if err != nil {
		return nil, false, fmt.Errorf("find active batch: %w", err)
	}
	if existing != nil {
		reclaimed, err := r.reclaimStale(ctx, existing)
		if err != nil {
			return nil, false, err
		}
		if !reclaimed {
			return existing, false, nil
		}
	}

	owner := req.OwnerID
	variants := req.Variants
	if len(variants) == 0 {
		variants = []string{model.VariantStandard}
	}
	batch := &model.Batch{
		ID:                uuid.NewString(),
		OwnerID:           req.OwnerID,
		EntityID:          req.EntityID,
		ActiveKey:         &owner,
		RequestedSections: model.StringList(req.RequestedSections),
		VoiceID:           req.VoiceID,
		Variants:          model.StringList(variants),
		TotalExpected:     req.TotalExpected(),
		Status:            model.BatchStatusPending,
		AssetGroupIDs:     model.Int64List{},
	}
	err = r.db.WithContext(ctx).Create(batch).Error
	if err == nil {
		return batch, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("create batch: %w", err)
	}

	// lost the race on idx_batch_active; the winner is the active batch
	existing, err = r.findActive(ctx, req.OwnerID)
	if err != nil {
		return nil, false, fmt.Errorf("find active batch after conflict: %w", err)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("create batch: active batch for %s vanished after conflict", req.OwnerID)
	}
	return existing, false, nil
}

func (r *gormBatchRepository) MarkProcessing(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.Batch{}).
		Where("id = ? AND status = ?", id, model.BatchStatusPending).
		Update("status", model.BatchStatusProcessing)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		batch, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if batch == nil {
			return ErrBatchNotFound
		}
		if batch.Status.Terminal() {
			return ErrBatchTerminal
		}
	}
	return nil
}

// progressUpdate applies the deltas in a single statement; the WHERE clause keeps
// completed+failed within total_expected even with concurrent writers.
func progressUpdate(tx *gorm.DB, id string, completedDelta, failedDelta int) *gorm.DB {
	return tx.Model(&model.Batch{}).
		Where("id = ? AND status IN ? AND completed_count + failed_count + ? <= total_expected",
			id, inFlight, completedDelta+failedDelta).
		Updates(map[string]interface{}{
			"completed_count": gorm.Expr("completed_count + ?", completedDelta),
			"failed_count":    gorm.Expr("failed_count + ?", failedDelta),
			"updated_at":      time.Now(),
		})
}

func (r *gormBatchRepository) RecordProgress(ctx context.Context, id string, completedDelta, failedDelta int) (*model.Batch, error) {
	if completedDelta < 0 || failedDelta < 0 {
		return nil, fmt.Errorf("record progress: negative delta (%d, %d)", completedDelta, failedDelta)
	}
	res := progressUpdate(r.db.WithContext(ctx), id, completedDelta, failedDelta)
	if res.Error != nil {
		return nil, fmt.Errorf("record progress for batch %s: %w", id, res.Error)
	}

	batch, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrBatchNotFound
	}
	if res.RowsAffected == 0 {
		if batch.Status.Terminal() {
			return batch, ErrBatchTerminal
		}
		return batch, ErrProgressOverflow
	}
	return batch, nil
}

func (r *gormBatchRepository) Finalize(ctx context.Context, id string, status model.BatchStatus) (*model.Batch, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("finalize batch %s: %q is not a final status", id, status)
	}
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.Batch{}).
		Where("id = ? AND status IN ?", id, inFlight).
		Updates(map[string]interface{}{
			"status":      status,
			"active_key":  nil,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("finalize batch %s: %w", id, res.Error)
	}

	batch, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, ErrBatchNotFound
	}
	if res.RowsAffected == 0 && batch.Status != status {
		return batch, ErrBatchTerminal
	}
	return batch, nil
}

func (r *gormBatchRepository) LinkAssetGroup(ctx context.Context, id string, groupID int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch model.Batch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBatchNotFound
			}
			return err
		}
		if batch.AssetGroupIDs.Contains(groupID) {
			return nil
		}
		groups := append(batch.AssetGroupIDs, groupID)
		return tx.Model(&model.Batch{}).Where("id = ?", id).Update("asset_group_ids", groups).Error
	})
}

func (r *gormBatchRepository) GetByID(ctx context.Context, id string) (*model.Batch, error) {
	var batch model.Batch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&batch).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &batch, nil
}
