package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sambaza/internal/idempotency"
)

// IdempotencyRepository implements idempotency.Store.
type IdempotencyRepository struct {
	db *gorm.DB
}

// NewIdempotencyRepository creates an IdempotencyRepository.
func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Begin atomically creates a pending record for key if none exists. The
// insert-or-nothing upsert makes the create race-free across processes; when
// the row already existed, the stored record is returned unchanged.
func (r *IdempotencyRepository) Begin(ctx context.Context, key, checksum string) (idempotency.Record, bool, error) {
	model := IdempotencyRecordModel{
		Key:             key,
		PayloadChecksum: checksum,
		Status:          string(idempotency.StatusPending),
		CreatedAt:       time.Now().UTC(),
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).
		Create(&model)
	if res.Error != nil {
		return idempotency.Record{}, false, fmt.Errorf("beginning idempotency record: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return toIdempotencyDomain(&model), true, nil
	}

	var existing IdempotencyRecordModel
	if err := r.db.WithContext(ctx).Where("key = ?", key).First(&existing).Error; err != nil {
		return idempotency.Record{}, false, fmt.Errorf("loading idempotency record: %w", err)
	}
	return toIdempotencyDomain(&existing), false, nil
}

func (r *IdempotencyRepository) Complete(ctx context.Context, key string, result []byte) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&IdempotencyRecordModel{}).
		Where("key = ?", key).
		Updates(map[string]any{
			"status":       string(idempotency.StatusCompleted),
			"result":       result,
			"completed_at": &now,
		}).Error
	if err != nil {
		return fmt.Errorf("completing idempotency record: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) Delete(ctx context.Context, key string) error {
	err := r.db.WithContext(ctx).
		Where("key = ?", key).
		Delete(&IdempotencyRecordModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting idempotency record: %w", err)
	}
	return nil
}
