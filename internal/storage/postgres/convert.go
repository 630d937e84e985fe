package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/idempotency"
	"github.com/jkaninda/sambaza/internal/provision"
	"github.com/jkaninda/sambaza/internal/scheduler"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// marshalStrings serializes a string slice to a JSON text column, mapping
// nil to "[]" so the column never holds SQL NULL.
func marshalStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(data), &out)
	return out
}

// --- SecretMapping ---

func toMappingModel(m distribute.SecretMapping) SecretMappingModel {
	return SecretMappingModel{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		SecretName:   m.SecretName,
		ValueHash:    m.ValueHash,
		SourceScope:  m.SourceScope,
		TargetScopes: marshalStrings(m.TargetScopes),
		IsExcluded:   m.IsExcluded,
		LastSyncedAt: m.LastSyncedAt,
		SyncStatus:   string(m.SyncStatus),
		ErrorMessage: m.ErrorMessage,
	}
}

func toMappingDomain(m *SecretMappingModel) distribute.SecretMapping {
	return distribute.SecretMapping{
		ID:           m.ID,
		ProjectID:    m.ProjectID,
		SecretName:   m.SecretName,
		ValueHash:    m.ValueHash,
		SourceScope:  m.SourceScope,
		TargetScopes: unmarshalStrings(m.TargetScopes),
		IsExcluded:   m.IsExcluded,
		LastSyncedAt: m.LastSyncedAt,
		SyncStatus:   distribute.SyncStatus(m.SyncStatus),
		ErrorMessage: m.ErrorMessage,
	}
}

// --- Environment ---

func toEnvironmentModel(r provision.EnvironmentRecord) EnvironmentModel {
	rules, _ := json.Marshal(r.ProtectionRules)
	refs := "[]"
	if r.Secrets != nil {
		if data, err := json.Marshal(r.Secrets); err == nil {
			refs = string(data)
		}
	}
	linked := "{}"
	if r.LinkedResources != nil {
		if data, err := json.Marshal(r.LinkedResources); err == nil {
			linked = string(data)
		}
	}
	return EnvironmentModel{
		ID:              r.ID,
		ProjectID:       r.ProjectID,
		Name:            string(r.Name),
		State:           string(r.State),
		ProtectionRules: string(rules),
		RemoteID:        r.RemoteID,
		Secrets:         refs,
		LinkedResources: linked,
		LastError:       r.LastError,
		ProvisionedAt:   r.ProvisionedAt,
	}
}

func toEnvironmentDomain(m *EnvironmentModel) provision.EnvironmentRecord {
	var rules github.ProtectionRules
	if m.ProtectionRules != "" {
		_ = json.Unmarshal([]byte(m.ProtectionRules), &rules)
	}
	var refs []provision.SecretRef
	if m.Secrets != "" && m.Secrets != "[]" {
		_ = json.Unmarshal([]byte(m.Secrets), &refs)
	}
	var linked map[string]string
	if m.LinkedResources != "" && m.LinkedResources != "{}" {
		_ = json.Unmarshal([]byte(m.LinkedResources), &linked)
	}
	return provision.EnvironmentRecord{
		ID:              m.ID,
		ProjectID:       m.ProjectID,
		Name:            secrets.Environment(m.Name),
		State:           provision.State(m.State),
		ProtectionRules: rules,
		RemoteID:        m.RemoteID,
		Secrets:         refs,
		LinkedResources: linked,
		LastError:       m.LastError,
		ProvisionedAt:   m.ProvisionedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

// --- SyncEvent ---

func toEventModel(e audit.Event) SyncEventModel {
	metadata := "{}"
	if e.Metadata != nil {
		if data, err := json.Marshal(e.Metadata); err == nil {
			metadata = string(data)
		}
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return SyncEventModel{
		ID:             e.ID,
		ProjectID:      e.ProjectID,
		ActorID:        e.ActorID,
		Operation:      string(e.Operation),
		SecretName:     e.SecretName,
		AffectedScopes: marshalStrings(e.AffectedScopes),
		Status:         string(e.Status),
		SuccessCount:   e.SuccessCount,
		FailureCount:   e.FailureCount,
		CorrelationID:  e.CorrelationID,
		DurationMs:     e.DurationMs,
		Metadata:       metadata,
		PartitionKey:   createdAt.Format("2006-01"),
		CreatedAt:      createdAt,
	}
}

func toEventDomain(m *SyncEventModel) audit.Event {
	var metadata map[string]any
	if m.Metadata != "" && m.Metadata != "{}" {
		_ = json.Unmarshal([]byte(m.Metadata), &metadata)
	}
	return audit.Event{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		ActorID:        m.ActorID,
		Operation:      audit.Operation(m.Operation),
		SecretName:     m.SecretName,
		AffectedScopes: unmarshalStrings(m.AffectedScopes),
		Status:         audit.Status(m.Status),
		SuccessCount:   m.SuccessCount,
		FailureCount:   m.FailureCount,
		CorrelationID:  m.CorrelationID,
		DurationMs:     m.DurationMs,
		Metadata:       metadata,
		CreatedAt:      m.CreatedAt,
	}
}

// --- ExclusionPattern ---

func toExclusionDomain(m *ExclusionPatternModel) secrets.ExclusionPattern {
	return secrets.ExclusionPattern{
		Pattern:  m.Pattern,
		Reason:   m.Reason,
		IsGlobal: m.IsGlobal,
	}
}

// --- IdempotencyRecord ---

func toIdempotencyDomain(m *IdempotencyRecordModel) idempotency.Record {
	return idempotency.Record{
		Key:             m.Key,
		PayloadChecksum: m.PayloadChecksum,
		Status:          idempotency.Status(m.Status),
		Result:          m.Result,
		CreatedAt:       m.CreatedAt,
		CompletedAt:     m.CompletedAt,
	}
}

// --- SyncSchedule ---

func toScheduleModel(s *scheduler.SyncSchedule) SyncScheduleModel {
	return SyncScheduleModel{
		ID:             s.ID,
		ProjectID:      s.ProjectID,
		Name:           s.Name,
		CronExpression: s.CronExpression,
		SourcePath:     s.SourcePath,
		TargetScopes:   marshalStrings(s.TargetScopes),
		DryRun:         s.DryRun,
		Enabled:        s.Enabled,
		LastRunAt:      s.LastRunAt,
		NextRunAt:      s.NextRunAt,
		LastError:      s.LastError,
	}
}

func toScheduleDomain(m *SyncScheduleModel) scheduler.SyncSchedule {
	return scheduler.SyncSchedule{
		ID:             m.ID,
		ProjectID:      m.ProjectID,
		Name:           m.Name,
		CronExpression: m.CronExpression,
		SourcePath:     m.SourcePath,
		TargetScopes:   unmarshalStrings(m.TargetScopes),
		DryRun:         m.DryRun,
		Enabled:        m.Enabled,
		LastRunAt:      m.LastRunAt,
		NextRunAt:      m.NextRunAt,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
