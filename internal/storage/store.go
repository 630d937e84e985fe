// Package storage defines the unified Store interface that abstracts all persistence operations.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL (production).
package storage

import (
	"context"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/idempotency"
	"github.com/jkaninda/sambaza/internal/provision"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/scheduler"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// Store is the unified persistence interface for Sambaza.
// It provides access to all domain-specific sub-stores through accessor methods.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	// Sub-store accessors — each returns a domain-specific store interface.
	Mappings() distribute.MappingStore
	Environments() provision.EnvironmentStore
	Events() audit.EventStore
	Exclusions() ExclusionStore
	Quota() quota.Store
	Idempotency() idempotency.Store
	Schedules() scheduler.ScheduleStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// ExclusionStore persists project-scoped exclusion patterns. List returns the
// union of global patterns and the project's own; the built-in defaults are
// merged by the caller, not stored.
type ExclusionStore interface {
	List(ctx context.Context, projectID string) ([]secrets.ExclusionPattern, error)
	Put(ctx context.Context, projectID string, pattern secrets.ExclusionPattern) error
	Delete(ctx context.Context, projectID, pattern string) error
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
