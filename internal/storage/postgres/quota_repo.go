package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sambaza/internal/quota"
)

// QuotaRepository implements quota.Store: one row per quota class,
// last write wins.
type QuotaRepository struct {
	db *gorm.DB
}

// NewQuotaRepository creates a QuotaRepository.
func NewQuotaRepository(db *gorm.DB) *QuotaRepository {
	return &QuotaRepository{db: db}
}

func (r *QuotaRepository) SaveQuota(ctx context.Context, snap quota.Snapshot) error {
	model := QuotaRecordModel{
		Class:         string(snap.Class),
		Remaining:     snap.Remaining,
		LimitTotal:    snap.Limit,
		ResetAt:       snap.ResetAt,
		LastCheckedAt: snap.LastCheckedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "class"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"remaining", "limit_total", "reset_at", "last_checked_at", "updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving quota record: %w", err)
	}
	return nil
}

func (r *QuotaRepository) LoadQuota(ctx context.Context, class quota.Class) (quota.Snapshot, bool, error) {
	var model QuotaRecordModel
	err := r.db.WithContext(ctx).
		Where("class = ?", string(class)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Snapshot{}, false, nil
		}
		return quota.Snapshot{}, false, fmt.Errorf("loading quota record: %w", err)
	}
	return quota.Snapshot{
		Class:         quota.Class(model.Class),
		Remaining:     model.Remaining,
		Limit:         model.LimitTotal,
		ResetAt:       model.ResetAt,
		LastCheckedAt: model.LastCheckedAt,
	}, true, nil
}
