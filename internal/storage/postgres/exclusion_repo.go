package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sambaza/internal/secrets"
)

// ExclusionRepository implements storage.ExclusionStore.
type ExclusionRepository struct {
	db *gorm.DB
}

// NewExclusionRepository creates an ExclusionRepository.
func NewExclusionRepository(db *gorm.DB) *ExclusionRepository {
	return &ExclusionRepository{db: db}
}

// List returns global patterns plus the project's own, oldest first so the
// evaluation order is stable.
func (r *ExclusionRepository) List(ctx context.Context, projectID string) ([]secrets.ExclusionPattern, error) {
	var models []ExclusionPatternModel
	err := r.db.WithContext(ctx).
		Where("is_global = ? OR project_id = ?", true, projectID).
		Order("created_at").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing exclusion patterns: %w", err)
	}
	patterns := make([]secrets.ExclusionPattern, len(models))
	for i := range models {
		patterns[i] = toExclusionDomain(&models[i])
	}
	return patterns, nil
}

func (r *ExclusionRepository) Put(ctx context.Context, projectID string, pattern secrets.ExclusionPattern) error {
	if pattern.IsGlobal {
		projectID = ""
	}
	model := ExclusionPatternModel{
		ID:        uuid.New(),
		ProjectID: projectID,
		Pattern:   pattern.Pattern,
		Reason:    pattern.Reason,
		IsGlobal:  pattern.IsGlobal,
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "pattern"}},
			DoUpdates: clause.AssignmentColumns([]string{"reason", "is_global"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("saving exclusion pattern: %w", err)
	}
	return nil
}

func (r *ExclusionRepository) Delete(ctx context.Context, projectID, pattern string) error {
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND pattern = ?", projectID, pattern).
		Delete(&ExclusionPatternModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting exclusion pattern: %w", err)
	}
	return nil
}
