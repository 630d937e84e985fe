// Package provision converges the three canonical deployment environments
// (dev, staging, production) on the platform: existence, protection policy,
// and their environment-scoped secrets. Provisioning is idempotent; an
// environment that already exists is re-converged and reported as updated.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// envCallsPerEnvironment is the core-class API cost of converging one
// environment: an existence check plus a policy upsert.
const envCallsPerEnvironment = 2

// State is the provisioning lifecycle of one environment record.
type State string

const (
	StateAbsent       State = "absent"
	StateProvisioning State = "provisioning"
	StateActive       State = "active"
	StateFailed       State = "failed"
)

// Outcome says what a converged environment needed.
type Outcome string

const (
	OutcomeCreated Outcome = "created"
	OutcomeUpdated Outcome = "updated"
	OutcomeFailed  Outcome = "failed"
)

// SecretRef records one secret distributed into an environment scope. Only
// the name and the write time are kept, never the value.
type SecretRef struct {
	Name          string    `json:"name"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// EnvironmentRecord is the persisted state of one managed environment.
type EnvironmentRecord struct {
	ID              uuid.UUID
	ProjectID       string
	Name            secrets.Environment
	State           State
	ProtectionRules github.ProtectionRules
	RemoteID        int64
	Secrets         []SecretRef       // secrets written into this environment
	LinkedResources map[string]string // opaque operator-defined resource links
	LastError       string
	ProvisionedAt   *time.Time
	UpdatedAt       time.Time
}

// EnvironmentStore persists environment records.
type EnvironmentStore interface {
	GetEnvironment(ctx context.Context, projectID string, name secrets.Environment) (EnvironmentRecord, bool, error)
	UpsertEnvironment(ctx context.Context, record EnvironmentRecord) error
	ListEnvironments(ctx context.Context, projectID string) ([]EnvironmentRecord, error)
}

// EnvironmentClient is the slice of the platform client provisioning needs.
// *github.Client satisfies it.
type EnvironmentClient interface {
	GetEnvironment(ctx context.Context, name string) (github.RemoteEnvironment, bool, error)
	UpsertEnvironment(ctx context.Context, name string, rules github.ProtectionRules) (github.RemoteEnvironment, error)
}

// Spec is the desired state for one environment.
type Spec struct {
	Name            secrets.Environment
	Rules           github.ProtectionRules
	Secrets         map[string]redact.Value // distributed into the environment scope
	LinkedResources map[string]string
}

// EnvironmentResult reports one environment's convergence.
type EnvironmentResult struct {
	Name           secrets.Environment `json:"name"`
	Outcome        Outcome             `json:"outcome"`
	SecretsSet     int                 `json:"secrets_set"`
	SecretsSkipped int                 `json:"secrets_skipped,omitempty"`
	SecretErrors   []string            `json:"secret_errors,omitempty"`
	Error          string              `json:"error,omitempty"`
}

// Result aggregates one provisioning run.
type Result struct {
	Environments []EnvironmentResult `json:"environments"`
	FailedCount  int                 `json:"failed_count"`
}

// Provisioner converges environments and their secrets.
type Provisioner struct {
	client   EnvironmentClient
	writer   *distribute.Writer
	store    EnvironmentStore
	recorder *audit.Recorder
	logger   *slog.Logger
	filter   func() *secrets.ExclusionFilter
	quota    *quota.Tracker
}

// New creates a Provisioner. recorder may be nil.
func New(client EnvironmentClient, writer *distribute.Writer, store EnvironmentStore, recorder *audit.Recorder, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		client:   client,
		writer:   writer,
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// WithFilter attaches the live exclusion filter. Environment secrets matching
// an exclusion pattern are skipped without a network call, same as in
// distribution runs. The function indirection picks up filter swaps.
func (p *Provisioner) WithFilter(filter func() *secrets.ExclusionFilter) *Provisioner {
	p.filter = filter
	return p
}

// WithQuota attaches the quota tracker. When set, EnsureAll preflights the
// estimated platform calls and aborts the whole run before any network call
// if the reservation would cross the safety margin.
func (p *Provisioner) WithQuota(tracker *quota.Tracker) *Provisioner {
	p.quota = tracker
	return p
}

// EnsureAll converges every spec in canonical environment order. A failed
// environment never aborts the others; failures aggregate in the result.
func (p *Provisioner) EnsureAll(ctx context.Context, projectID, actorID string, specs map[secrets.Environment]Spec) (Result, error) {
	var result Result
	var affected []string
	successes, failures := 0, 0

	if err := p.preflight(ctx, specs); err != nil {
		p.record(ctx, projectID, actorID, nil, 0, len(secrets.CanonicalEnvironments))
		return Result{}, err
	}

	for _, env := range secrets.CanonicalEnvironments {
		spec, ok := specs[env]
		if !ok {
			spec = Spec{Name: env}
		}
		spec.Name = env

		envResult := p.ensure(ctx, projectID, spec)
		result.Environments = append(result.Environments, envResult)
		affected = append(affected, secrets.EnvScope(env).String())
		if envResult.Outcome == OutcomeFailed {
			result.FailedCount++
			failures++
		} else {
			successes++
		}
	}

	p.record(ctx, projectID, actorID, affected, successes, failures)
	return result, nil
}

// preflight reserves the run's estimated platform calls: core-class for the
// environment existence checks and policy upserts, secrets-class for the
// secret writes. Exhaustion aborts before any network call.
func (p *Provisioner) preflight(ctx context.Context, specs map[secrets.Environment]Spec) error {
	if p.quota == nil {
		return nil
	}
	if err := p.quota.CheckAndReserve(ctx, quota.ClassCore, envCallsPerEnvironment*len(secrets.CanonicalEnvironments)); err != nil {
		return err
	}
	writes := 0
	for _, spec := range specs {
		for name := range spec.Secrets {
			if p.excluded(name) {
				continue
			}
			writes++
		}
	}
	if writes == 0 {
		return nil
	}
	return p.quota.CheckAndReserve(ctx, quota.ClassSecrets, writes)
}

// excluded checks a secret name against the live exclusion filter.
func (p *Provisioner) excluded(name string) bool {
	if p.filter == nil {
		return false
	}
	f := p.filter()
	if f == nil {
		return false
	}
	hit, _ := f.Excluded(name)
	return hit
}

// ensure converges one environment: record moves absent→provisioning, then
// active or failed. Protection policy failure fails the environment; secret
// failures are collected and leave it active.
func (p *Provisioner) ensure(ctx context.Context, projectID string, spec Spec) EnvironmentResult {
	result := EnvironmentResult{Name: spec.Name}
	now := time.Now().UTC()

	record, found, err := p.store.GetEnvironment(ctx, projectID, spec.Name)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		return result
	}
	if !found {
		record = EnvironmentRecord{
			ID:        uuid.New(),
			ProjectID: projectID,
			Name:      spec.Name,
			State:     StateAbsent,
		}
	}

	record.State = StateProvisioning
	record.ProtectionRules = spec.Rules
	if spec.LinkedResources != nil {
		record.LinkedResources = spec.LinkedResources
	}
	record.UpdatedAt = now
	if err := p.store.UpsertEnvironment(ctx, record); err != nil {
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
		return result
	}

	_, existed, err := p.client.GetEnvironment(ctx, string(spec.Name))
	if err != nil {
		return p.fail(ctx, record, result, fmt.Errorf("checking environment %s: %w", spec.Name, err))
	}

	remote, err := p.client.UpsertEnvironment(ctx, string(spec.Name), spec.Rules)
	if err != nil {
		// An unknown reviewer id fails this environment only; the caller
		// moves on to the next one.
		if errors.Is(err, github.ErrReviewerNotFound) {
			return p.fail(ctx, record, result, fmt.Errorf("environment %s: %w", spec.Name, err))
		}
		return p.fail(ctx, record, result, fmt.Errorf("applying policy to %s: %w", spec.Name, err))
	}

	record.RemoteID = remote.ID
	record.State = StateActive
	record.LastError = ""
	if record.ProvisionedAt == nil {
		record.ProvisionedAt = &now
	}
	record.UpdatedAt = time.Now().UTC()
	if err := p.store.UpsertEnvironment(ctx, record); err != nil {
		p.logger.ErrorContext(ctx, "persisting environment record failed",
			slog.String("environment", string(spec.Name)),
			slog.String("error", err.Error()),
		)
	}

	if existed {
		result.Outcome = OutcomeUpdated
	} else {
		result.Outcome = OutcomeCreated
	}

	if p.distributeSecrets(ctx, projectID, spec, &result, &record) {
		record.UpdatedAt = time.Now().UTC()
		if err := p.store.UpsertEnvironment(ctx, record); err != nil {
			p.logger.ErrorContext(ctx, "persisting environment secret refs failed",
				slog.String("environment", string(spec.Name)),
				slog.String("error", err.Error()),
			)
		}
	}
	return result
}

// distributeSecrets writes the spec's secrets into the environment scope.
// Excluded names are skipped without a network call; individual failures are
// collected — policy setup already succeeded. Reports whether the record's
// secret refs changed.
func (p *Provisioner) distributeSecrets(ctx context.Context, projectID string, spec Spec, result *EnvironmentResult, record *EnvironmentRecord) bool {
	scope := secrets.EnvScope(spec.Name)
	changed := false
	for name, value := range spec.Secrets {
		if p.excluded(name) {
			result.SecretsSkipped++
			// Record the exclusion on the mapping; costs no quota.
			_, _ = p.writer.Upsert(ctx, distribute.WriteRequest{
				ProjectID: projectID,
				Name:      name,
				Excluded:  true,
			})
			continue
		}
		_, err := p.writer.Upsert(ctx, distribute.WriteRequest{
			ProjectID:  projectID,
			Scope:      scope,
			Name:       name,
			TargetName: secrets.Classify(name).Base,
			Value:      value,
		})
		if err != nil {
			result.SecretErrors = append(result.SecretErrors,
				fmt.Sprintf("%s: %s", name, redact.String(err.Error())))
			continue
		}
		result.SecretsSet++
		record.Secrets = setSecretRef(record.Secrets, secrets.Classify(name).Base)
		changed = true
	}
	return changed
}

// setSecretRef upserts one ref by name, stamping the write time.
func setSecretRef(refs []SecretRef, name string) []SecretRef {
	now := time.Now().UTC()
	for i := range refs {
		if refs[i].Name == name {
			refs[i].LastUpdatedAt = now
			return refs
		}
	}
	return append(refs, SecretRef{Name: name, LastUpdatedAt: now})
}

func (p *Provisioner) fail(ctx context.Context, record EnvironmentRecord, result EnvironmentResult, err error) EnvironmentResult {
	record.State = StateFailed
	record.LastError = redact.String(err.Error())
	record.UpdatedAt = time.Now().UTC()
	if storeErr := p.store.UpsertEnvironment(ctx, record); storeErr != nil {
		p.logger.ErrorContext(ctx, "persisting failed environment record",
			slog.String("environment", string(record.Name)),
			slog.String("error", storeErr.Error()),
		)
	}
	p.logger.ErrorContext(ctx, "environment provisioning failed",
		slog.String("environment", string(record.Name)),
		slog.String("error", redact.String(err.Error())),
	)
	result.Outcome = OutcomeFailed
	result.Error = redact.String(err.Error())
	return result
}

func (p *Provisioner) record(ctx context.Context, projectID, actorID string, affected []string, successes, failures int) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(ctx, audit.Event{
		ProjectID:      projectID,
		ActorID:        actorID,
		Operation:      audit.OpEnvironmentSet,
		AffectedScopes: affected,
		Status:         audit.StatusFor(successes, failures),
		SuccessCount:   successes,
		FailureCount:   failures,
	})
}
