package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sambaza/internal/distribute"
)

// MappingRepository implements distribute.MappingStore.
type MappingRepository struct {
	db *gorm.DB
}

// NewMappingRepository creates a MappingRepository.
func NewMappingRepository(db *gorm.DB) *MappingRepository {
	return &MappingRepository{db: db}
}

func (r *MappingRepository) GetMapping(ctx context.Context, projectID, secretName string) (distribute.SecretMapping, bool, error) {
	var model SecretMappingModel
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND secret_name = ?", projectID, secretName).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return distribute.SecretMapping{}, false, nil
		}
		return distribute.SecretMapping{}, false, fmt.Errorf("loading secret mapping: %w", err)
	}
	return toMappingDomain(&model), true, nil
}

// UpsertMapping inserts or replaces the row for (project, name). Conflict
// target is the unique (project_id, secret_name) pair, not the surrogate id.
func (r *MappingRepository) UpsertMapping(ctx context.Context, mapping distribute.SecretMapping) error {
	model := toMappingModel(mapping)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}, {Name: "secret_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"value_hash", "source_scope", "target_scopes", "is_excluded",
				"last_synced_at", "sync_status", "error_message", "updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting secret mapping: %w", err)
	}
	return nil
}

func (r *MappingRepository) ListMappings(ctx context.Context, projectID string) ([]distribute.SecretMapping, error) {
	var models []SecretMappingModel
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("secret_name").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing secret mappings: %w", err)
	}
	mappings := make([]distribute.SecretMapping, len(models))
	for i := range models {
		mappings[i] = toMappingDomain(&models[i])
	}
	return mappings, nil
}

func (r *MappingRepository) CountByStatus(ctx context.Context, projectID string) (map[distribute.SyncStatus]int, error) {
	var rows []struct {
		SyncStatus string
		Count      int
	}
	err := r.db.WithContext(ctx).
		Model(&SecretMappingModel{}).
		Select("sync_status, count(*) as count").
		Where("project_id = ?", projectID).
		Group("sync_status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("counting mappings by status: %w", err)
	}
	counts := make(map[distribute.SyncStatus]int, len(rows))
	for _, row := range rows {
		counts[distribute.SyncStatus(row.SyncStatus)] = row.Count
	}
	return counts, nil
}
