package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/idempotency"
	"github.com/jkaninda/sambaza/internal/provision"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/scheduler"
	"github.com/jkaninda/sambaza/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu           sync.Mutex
	mappings     distribute.MappingStore
	environments provision.EnvironmentStore
	events       audit.EventStore
	exclusions   storage.ExclusionStore
	quotas       quota.Store
	idempotency  idempotency.Store
	schedules    scheduler.ScheduleStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

// --- Sub-store accessors ---

func (s *Store) Mappings() distribute.MappingStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mappings == nil {
		s.mappings = NewMappingRepository(s.pgDB.GormDB())
	}
	return s.mappings
}

func (s *Store) Environments() provision.EnvironmentStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.environments == nil {
		s.environments = NewEnvironmentRepository(s.pgDB.GormDB())
	}
	return s.environments
}

func (s *Store) Events() audit.EventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = NewEventRepository(s.pgDB.GormDB())
	}
	return s.events
}

func (s *Store) Exclusions() storage.ExclusionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclusions == nil {
		s.exclusions = NewExclusionRepository(s.pgDB.GormDB())
	}
	return s.exclusions
}

func (s *Store) Quota() quota.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quotas == nil {
		s.quotas = NewQuotaRepository(s.pgDB.GormDB())
	}
	return s.quotas
}

func (s *Store) Idempotency() idempotency.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idempotency == nil {
		s.idempotency = NewIdempotencyRepository(s.pgDB.GormDB())
	}
	return s.idempotency
}

func (s *Store) Schedules() scheduler.ScheduleStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedules == nil {
		s.schedules = NewScheduleRepository(s.pgDB.GormDB())
	}
	return s.schedules
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
