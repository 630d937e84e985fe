package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sambaza/internal/provision"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// EnvironmentRepository implements provision.EnvironmentStore.
type EnvironmentRepository struct {
	db *gorm.DB
}

// NewEnvironmentRepository creates an EnvironmentRepository.
func NewEnvironmentRepository(db *gorm.DB) *EnvironmentRepository {
	return &EnvironmentRepository{db: db}
}

func (r *EnvironmentRepository) GetEnvironment(ctx context.Context, projectID string, name secrets.Environment) (provision.EnvironmentRecord, bool, error) {
	var model EnvironmentModel
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND name = ?", projectID, string(name)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return provision.EnvironmentRecord{}, false, nil
		}
		return provision.EnvironmentRecord{}, false, fmt.Errorf("loading environment record: %w", err)
	}
	return toEnvironmentDomain(&model), true, nil
}

func (r *EnvironmentRepository) UpsertEnvironment(ctx context.Context, record provision.EnvironmentRecord) error {
	model := toEnvironmentModel(record)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "project_id"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "protection_rules", "remote_id", "secrets",
				"linked_resources", "last_error", "provisioned_at", "updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting environment record: %w", err)
	}
	return nil
}

func (r *EnvironmentRepository) ListEnvironments(ctx context.Context, projectID string) ([]provision.EnvironmentRecord, error) {
	var models []EnvironmentModel
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("name").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing environment records: %w", err)
	}
	records := make([]provision.EnvironmentRecord, len(models))
	for i := range models {
		records[i] = toEnvironmentDomain(&models[i])
	}
	return records, nil
}
