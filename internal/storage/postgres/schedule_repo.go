package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/sambaza/internal/scheduler"
)

// ScheduleRepository implements scheduler.ScheduleStore.
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a ScheduleRepository.
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) Create(ctx context.Context, s *scheduler.SyncSchedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	model := toScheduleModel(s)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating sync schedule: %w", err)
	}
	s.CreatedAt = model.CreatedAt
	s.UpdatedAt = model.UpdatedAt
	return nil
}

func (r *ScheduleRepository) Get(ctx context.Context, id uuid.UUID) (*scheduler.SyncSchedule, error) {
	var model SyncScheduleModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		return nil, fmt.Errorf("loading sync schedule %s: %w", id, err)
	}
	schedule := toScheduleDomain(&model)
	return &schedule, nil
}

func (r *ScheduleRepository) List(ctx context.Context, projectID string) ([]scheduler.SyncSchedule, error) {
	q := r.db.WithContext(ctx).Order("name")
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}
	var models []SyncScheduleModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sync schedules: %w", err)
	}
	schedules := make([]scheduler.SyncSchedule, len(models))
	for i := range models {
		schedules[i] = toScheduleDomain(&models[i])
	}
	return schedules, nil
}

func (r *ScheduleRepository) Update(ctx context.Context, s *scheduler.SyncSchedule) error {
	model := toScheduleModel(s)
	if err := r.db.WithContext(ctx).Save(&model).Error; err != nil {
		return fmt.Errorf("updating sync schedule %s: %w", s.ID, err)
	}
	return nil
}

func (r *ScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&SyncScheduleModel{}).Error; err != nil {
		return fmt.Errorf("deleting sync schedule %s: %w", id, err)
	}
	return nil
}

func (r *ScheduleRepository) GetDue(ctx context.Context, now time.Time) ([]scheduler.SyncSchedule, error) {
	var models []SyncScheduleModel
	err := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("polling due schedules: %w", err)
	}
	schedules := make([]scheduler.SyncSchedule, len(models))
	for i := range models {
		schedules[i] = toScheduleDomain(&models[i])
	}
	return schedules, nil
}

func (r *ScheduleRepository) RecordExecution(ctx context.Context, id uuid.UUID, nextRunAt time.Time, errMsg string) error {
	now := time.Now().UTC()
	err := r.db.WithContext(ctx).
		Model(&SyncScheduleModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_run_at": &now,
			"next_run_at": &nextRunAt,
			"last_error":  errMsg,
		}).Error
	if err != nil {
		return fmt.Errorf("recording schedule execution %s: %w", id, err)
	}
	return nil
}
