package postgres

import (
	"time"

	"github.com/google/uuid"
)

// SecretMappingModel maps to the "secret_mappings" table. One row per
// (project, original secret name); never deleted — terminal sync states are
// the archive. Only the value hash is stored, never plaintext.
type SecretMappingModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID    string    `gorm:"not null;uniqueIndex:idx_mapping_project_name"`
	SecretName   string    `gorm:"not null;uniqueIndex:idx_mapping_project_name"`
	ValueHash    string
	SourceScope  string
	TargetScopes string `gorm:"type:text"` // JSON array
	IsExcluded   bool   `gorm:"not null;default:false"`
	LastSyncedAt *time.Time
	SyncStatus   string `gorm:"not null;index"`
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (SecretMappingModel) TableName() string { return "secret_mappings" }

// EnvironmentModel maps to the "environments" table.
type EnvironmentModel struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID       string    `gorm:"not null;uniqueIndex:idx_env_project_name"`
	Name            string    `gorm:"not null;uniqueIndex:idx_env_project_name"`
	State           string    `gorm:"not null"`
	ProtectionRules string    `gorm:"type:text"` // JSON object
	RemoteID        int64
	Secrets         string `gorm:"type:text"` // JSON array of {name, last_updated_at}
	LinkedResources string `gorm:"type:text"` // JSON object
	LastError       string
	ProvisionedAt   *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (EnvironmentModel) TableName() string { return "environments" }

// SyncEventModel maps to the "sync_events" table. Append-only; PartitionKey
// carries the event month (YYYY-MM) so retention pruning and archive exports
// can work per month.
type SyncEventModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID      string    `gorm:"index"`
	ActorID        string
	Operation      string `gorm:"not null;index"`
	SecretName     string
	AffectedScopes string `gorm:"type:text"` // JSON array
	Status         string `gorm:"not null"`
	SuccessCount   int
	FailureCount   int
	CorrelationID  string `gorm:"index"`
	DurationMs     int64
	Metadata       string    `gorm:"type:text"` // JSON object
	PartitionKey   string    `gorm:"not null;index"`
	CreatedAt      time.Time `gorm:"index"`
}

func (SyncEventModel) TableName() string { return "sync_events" }

// ExclusionPatternModel maps to the "exclusion_patterns" table.
// ProjectID is empty for global patterns.
type ExclusionPatternModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID string    `gorm:"uniqueIndex:idx_exclusion_project_pattern"`
	Pattern   string    `gorm:"not null;uniqueIndex:idx_exclusion_project_pattern"`
	Reason    string
	IsGlobal  bool `gorm:"not null;default:false"`
	CreatedAt time.Time
}

func (ExclusionPatternModel) TableName() string { return "exclusion_patterns" }

// QuotaRecordModel maps to the "quota_records" table, one row per quota class.
type QuotaRecordModel struct {
	Class         string `gorm:"primaryKey"`
	Remaining     int    `gorm:"not null"`
	LimitTotal    int    `gorm:"not null"` // "limit" is a reserved word
	ResetAt       time.Time
	LastCheckedAt time.Time
	UpdatedAt     time.Time
}

func (QuotaRecordModel) TableName() string { return "quota_records" }

// IdempotencyRecordModel maps to the "idempotency_records" table.
type IdempotencyRecordModel struct {
	Key             string `gorm:"primaryKey"`
	PayloadChecksum string `gorm:"not null"`
	Status          string `gorm:"not null"`
	Result          []byte
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

func (IdempotencyRecordModel) TableName() string { return "idempotency_records" }

// SyncScheduleModel maps to the "sync_schedules" table.
type SyncScheduleModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ProjectID      string    `gorm:"not null;index"`
	Name           string    `gorm:"not null"`
	CronExpression string    `gorm:"not null"`
	SourcePath     string    `gorm:"not null"`
	TargetScopes   string    `gorm:"type:text"` // JSON array
	DryRun         bool      `gorm:"not null;default:false"`
	Enabled        bool      `gorm:"not null;default:true;index"`
	LastRunAt      *time.Time
	NextRunAt      *time.Time `gorm:"index"`
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (SyncScheduleModel) TableName() string { return "sync_schedules" }
