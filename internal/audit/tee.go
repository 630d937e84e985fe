package audit

import (
	"context"
	"errors"
	"time"
)

// TeeStore appends every event to two stores: the database is the system of
// record, the JSONL mirror gives operators a greppable trail that survives
// database migrations. Reads and pruning go to the primary only.
type TeeStore struct {
	primary EventStore
	mirror  EventStore
}

// Tee wraps primary with a mirror for appends.
func Tee(primary, mirror EventStore) *TeeStore {
	return &TeeStore{primary: primary, mirror: mirror}
}

func (s *TeeStore) Append(ctx context.Context, event Event) error {
	return errors.Join(s.primary.Append(ctx, event), s.mirror.Append(ctx, event))
}

func (s *TeeStore) Query(ctx context.Context, projectID string, limit int) ([]Event, error) {
	return s.primary.Query(ctx, projectID, limit)
}

func (s *TeeStore) LastSync(ctx context.Context, projectID string) (Event, bool, error) {
	return s.primary.LastSync(ctx, projectID)
}

func (s *TeeStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.primary.PruneBefore(ctx, cutoff)
}
