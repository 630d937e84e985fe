// Package distribute converges named secret values into the platform's
// access-control scopes: one idempotent encrypted upsert per (scope, name)
// pair, with write-time conflict detection against previously recorded
// value hashes.
package distribute

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SyncStatus is the lifecycle state of one secret mapping.
type SyncStatus string

const (
	SyncPending  SyncStatus = "pending"
	SyncSynced   SyncStatus = "synced"
	SyncFailed   SyncStatus = "failed"
	SyncConflict SyncStatus = "conflict"
)

// SecretMapping records where a named secret was distributed and the hash of
// the value that went out. Unique per (projectID, secretName); never deleted
// — terminal states serve as the archive. Plaintext is never persisted.
type SecretMapping struct {
	ID           uuid.UUID
	ProjectID    string
	SecretName   string // original raw name, before suffix classification
	ValueHash    string // sha256 hex
	SourceScope  string
	TargetScopes []string
	IsExcluded   bool
	LastSyncedAt *time.Time
	SyncStatus   SyncStatus
	ErrorMessage string
}

// MappingStore persists secret mappings.
type MappingStore interface {
	GetMapping(ctx context.Context, projectID, secretName string) (SecretMapping, bool, error)
	UpsertMapping(ctx context.Context, mapping SecretMapping) error
	ListMappings(ctx context.Context, projectID string) ([]SecretMapping, error)
	CountByStatus(ctx context.Context, projectID string) (map[SyncStatus]int, error)
}

// WriteStatus is the outcome of one scope write.
type WriteStatus string

const (
	WriteWritten WriteStatus = "written"
	WriteSkipped WriteStatus = "skipped"
	WriteFailed  WriteStatus = "failed"
)

// UpsertResult is returned by the scope writer for each (scope, name) pair.
type UpsertResult struct {
	Status   WriteStatus
	Hash     string
	Conflict bool // previously recorded hash differed; write applied anyway
}
