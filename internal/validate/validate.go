// Package validate checks a project's distributed secrets against a required
// set: every required name present and synced in each of its target scopes,
// and no base name diverging across scopes or flagged by a prior conflicting
// write. Validation is read-only — it never touches the platform.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// Missing is one required (name, scope) pair with no synced mapping.
type Missing struct {
	SecretName  string `json:"secret_name"`
	Scope       string `json:"scope"`
	Reason      string `json:"reason"`
	Remediation string `json:"remediation"`
}

// Conflict is one base name whose recorded hashes diverge, either across
// scopes right now or against the previous value at write time.
type Conflict struct {
	BaseName    string   `json:"base_name"`
	Scopes      []string `json:"scopes"`
	Remediation string   `json:"remediation"`
}

// Report is the outcome of one validation pass. Findings are sorted so two
// passes over the same state produce identical reports.
type Report struct {
	ProjectID string     `json:"project_id"`
	CheckedAt time.Time  `json:"checked_at"`
	Missing   []Missing  `json:"missing"`
	Conflicts []Conflict `json:"conflicts"`
	Summary   string     `json:"summary"`
}

// Valid reports whether the pass found nothing wrong.
func (r Report) Valid() bool {
	return len(r.Missing) == 0 && len(r.Conflicts) == 0
}

// Validator runs read-only validation passes against the mapping store.
type Validator struct {
	mappings distribute.MappingStore
	recorder *audit.Recorder
	logger   *slog.Logger
}

// New creates a Validator. recorder may be nil.
func New(mappings distribute.MappingStore, recorder *audit.Recorder, logger *slog.Logger) *Validator {
	return &Validator{mappings: mappings, recorder: recorder, logger: logger}
}

// globalScopeNames mirrors the engine's default fan-out for global names.
var globalScopeNames = []string{"actions", "codespaces", "dependabot"}

// expectedScopes resolves where a required name must be present.
func expectedScopes(key secrets.SecretKey) []string {
	if key.Global() {
		return globalScopeNames
	}
	return []string{secrets.EnvScope(key.Env).String()}
}

// Validate checks requiredNames against the project's recorded mappings.
func (v *Validator) Validate(ctx context.Context, projectID string, requiredNames []string) (Report, error) {
	report := Report{ProjectID: projectID, CheckedAt: time.Now().UTC()}

	all, err := v.mappings.ListMappings(ctx, projectID)
	if err != nil {
		return Report{}, fmt.Errorf("listing mappings for %s: %w", projectID, err)
	}
	byName := make(map[string]distribute.SecretMapping, len(all))
	for _, m := range all {
		byName[m.SecretName] = m
	}

	names := append([]string(nil), requiredNames...)
	sort.Strings(names)

	failed := map[string]bool{}
	for _, name := range names {
		key := secrets.Classify(name)
		mapping, found := byName[name]

		for _, scope := range expectedScopes(key) {
			reason, ok := v.scopeSatisfied(mapping, found, scope)
			if ok {
				continue
			}
			failed[name] = true
			report.Missing = append(report.Missing, Missing{
				SecretName:  name,
				Scope:       scope,
				Reason:      reason,
				Remediation: fmt.Sprintf("sync %s to the %s scope", name, scope),
			})
		}
	}

	report.Conflicts = v.findConflicts(all)
	for _, c := range report.Conflicts {
		// A conflict fails every required name that classifies to its base.
		for _, name := range names {
			if secrets.Classify(name).Base == c.BaseName {
				failed[name] = true
			}
		}
	}

	report.Summary = summarize(len(names), report)

	v.record(ctx, projectID, names, failed)
	return report, nil
}

// summarize renders the one-line operator summary for a finished pass.
func summarize(required int, report Report) string {
	if report.Valid() {
		return fmt.Sprintf("all %d required secrets present and consistent", required)
	}
	return fmt.Sprintf("%d missing scope entries, %d conflicting base names across %d required secrets",
		len(report.Missing), len(report.Conflicts), required)
}

// scopeSatisfied reports whether one (mapping, scope) requirement holds, and
// if not, why.
func (v *Validator) scopeSatisfied(mapping distribute.SecretMapping, found bool, scope string) (string, bool) {
	switch {
	case !found:
		return "never distributed", false
	case mapping.IsExcluded:
		return "matched an exclusion pattern", false
	case mapping.SyncStatus == distribute.SyncFailed:
		return "last distribution failed", false
	case mapping.SyncStatus == distribute.SyncPending:
		return "distribution pending", false
	case !containsScope(mapping.TargetScopes, scope):
		return "not distributed to this scope", false
	}
	return "", true
}

// findConflicts groups every mapping by its classified base name and flags
// groups whose hashes diverge, plus any mapping already marked conflict by a
// write. Sorted by base name.
func (v *Validator) findConflicts(all []distribute.SecretMapping) []Conflict {
	type group struct {
		hashes map[string]bool
		scopes map[string]bool
		marked bool
	}
	groups := map[string]*group{}
	for _, m := range all {
		if m.IsExcluded || m.ValueHash == "" {
			continue
		}
		base := secrets.Classify(m.SecretName).Base
		g, ok := groups[base]
		if !ok {
			g = &group{hashes: map[string]bool{}, scopes: map[string]bool{}}
			groups[base] = g
		}
		g.hashes[m.ValueHash] = true
		for _, s := range m.TargetScopes {
			g.scopes[s] = true
		}
		if m.SyncStatus == distribute.SyncConflict {
			g.marked = true
		}
	}

	var conflicts []Conflict
	for base, g := range groups {
		if len(g.hashes) < 2 && !g.marked {
			continue
		}
		scopes := make([]string, 0, len(g.scopes))
		for s := range g.scopes {
			scopes = append(scopes, s)
		}
		sort.Strings(scopes)
		conflicts = append(conflicts, Conflict{
			BaseName:    base,
			Scopes:      scopes,
			Remediation: fmt.Sprintf("re-sync %s with a single value to converge all scopes", base),
		})
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].BaseName < conflicts[j].BaseName })
	return conflicts
}

// record emits one validation audit event: one affected entry per required
// name, failures being names with at least one finding.
func (v *Validator) record(ctx context.Context, projectID string, names []string, failed map[string]bool) {
	if v.recorder == nil {
		return
	}
	failures := 0
	for _, name := range names {
		if failed[name] {
			failures++
		}
	}
	v.recorder.Record(ctx, audit.Event{
		ProjectID:      projectID,
		Operation:      audit.OpValidate,
		AffectedScopes: names,
		Status:         audit.StatusFor(len(names)-failures, failures),
		SuccessCount:   len(names) - failures,
		FailureCount:   failures,
	})
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
