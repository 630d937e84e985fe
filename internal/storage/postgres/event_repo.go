package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/sambaza/internal/audit"
)

// EventRepository implements audit.EventStore with GORM.
// Append-only: no Update or Delete methods exist on this type except
// retention pruning by age.
type EventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *gorm.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append inserts a single audit event. This is the only write method —
// immutability is enforced at the interface level.
func (r *EventRepository) Append(ctx context.Context, event audit.Event) error {
	model := toEventModel(event)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("appending sync event: %w", err)
	}
	return nil
}

// Query returns events for a project, newest first. Limit defaults to 100.
func (r *EventRepository) Query(ctx context.Context, projectID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 100
	}

	q := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit)
	if projectID != "" {
		q = q.Where("project_id = ?", projectID)
	}

	var models []SyncEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("querying sync events: %w", err)
	}

	events := make([]audit.Event, len(models))
	for i := range models {
		events[i] = toEventDomain(&models[i])
	}
	return events, nil
}

// LastSync returns the most recent secrets.sync event for a project.
func (r *EventRepository) LastSync(ctx context.Context, projectID string) (audit.Event, bool, error) {
	var model SyncEventModel
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND operation = ?", projectID, string(audit.OpSecretSync)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return audit.Event{}, false, nil
		}
		return audit.Event{}, false, fmt.Errorf("loading last sync event: %w", err)
	}
	return toEventDomain(&model), true, nil
}

// PruneBefore deletes events older than cutoff and reports how many went.
func (r *EventRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&SyncEventModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning sync events: %w", res.Error)
	}
	return res.RowsAffected, nil
}
