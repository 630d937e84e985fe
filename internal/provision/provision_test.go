package provision

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/sealbox"
	"github.com/jkaninda/sambaza/internal/secrets"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memEnvStore struct {
	mu      sync.Mutex
	records map[string]EnvironmentRecord
}

func newMemEnvStore() *memEnvStore {
	return &memEnvStore{records: map[string]EnvironmentRecord{}}
}

func (s *memEnvStore) GetEnvironment(_ context.Context, projectID string, name secrets.Environment) (EnvironmentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[projectID+"/"+string(name)]
	return r, ok, nil
}

func (s *memEnvStore) UpsertEnvironment(_ context.Context, record EnvironmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ProjectID+"/"+string(record.Name)] = record
	return nil
}

func (s *memEnvStore) ListEnvironments(_ context.Context, projectID string) ([]EnvironmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []EnvironmentRecord
	for _, r := range s.records {
		if r.ProjectID == projectID {
			out = append(out, r)
		}
	}
	return out, nil
}

// fakeEnvClient scripts the platform's environment endpoints.
type fakeEnvClient struct {
	existing   map[string]bool
	upsertErrs map[string]error
	upserts    []string
}

func (f *fakeEnvClient) GetEnvironment(_ context.Context, name string) (github.RemoteEnvironment, bool, error) {
	if f.existing[name] {
		return github.RemoteEnvironment{ID: 1, Name: name}, true, nil
	}
	return github.RemoteEnvironment{}, false, nil
}

func (f *fakeEnvClient) UpsertEnvironment(_ context.Context, name string, _ github.ProtectionRules) (github.RemoteEnvironment, error) {
	if err := f.upsertErrs[name]; err != nil {
		return github.RemoteEnvironment{}, err
	}
	f.upserts = append(f.upserts, name)
	return github.RemoteEnvironment{ID: 42, Name: name}, nil
}

type fakeSecretUpserter struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error // keyed by secret name
}

func (f *fakeSecretUpserter) UpsertSecret(_ context.Context, scope secrets.Scope, name string, _ github.EncryptedSecret) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scope.String()+"/"+name)
	return f.errs[name]
}

type mapStore struct {
	mu       sync.Mutex
	mappings map[string]distribute.SecretMapping
}

func (s *mapStore) GetMapping(_ context.Context, projectID, name string) (distribute.SecretMapping, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[projectID+"/"+name]
	return m, ok, nil
}

func (s *mapStore) UpsertMapping(_ context.Context, m distribute.SecretMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.ProjectID+"/"+m.SecretName] = m
	return nil
}

func (s *mapStore) ListMappings(context.Context, string) ([]distribute.SecretMapping, error) {
	return nil, nil
}

func (s *mapStore) CountByStatus(context.Context, string) (map[distribute.SyncStatus]int, error) {
	return nil, nil
}

type staticKey struct{ key github.PublicKey }

func (s staticKey) FetchPublicKey(context.Context, secrets.Scope) (github.PublicKey, error) {
	return s.key, nil
}

func newFixture(t *testing.T, envClient *fakeEnvClient, secretClient *fakeSecretUpserter) (*Provisioner, *memEnvStore, *audit.MemoryStore) {
	t.Helper()
	pub, _, err := box.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	enc := sealbox.New(staticKey{github.PublicKey{
		KeyID: "k1",
		Key:   base64.StdEncoding.EncodeToString(pub[:]),
	}})
	writer := distribute.NewWriter(secretClient, enc, &mapStore{mappings: map[string]distribute.SecretMapping{}}, discardLogger())

	store := newMemEnvStore()
	events := audit.NewMemoryStore()
	p := New(envClient, writer, store, audit.NewRecorder(events, discardLogger()), discardLogger())
	return p, store, events
}

func TestEnsureAll_CreatesCanonicalEnvironments(t *testing.T) {
	envClient := &fakeEnvClient{existing: map[string]bool{}}
	p, store, events := newFixture(t, envClient, &fakeSecretUpserter{})

	result, err := p.EnsureAll(context.Background(), "p1", "actor", map[secrets.Environment]Spec{
		secrets.EnvProduction: {Rules: github.ProtectionRules{RequiredReviewers: 1, ReviewerIDs: []int64{7}}},
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(result.Environments) != 3 || result.FailedCount != 0 {
		t.Fatalf("result = %+v", result)
	}
	// Canonical order: dev, staging, production.
	for i, want := range []secrets.Environment{secrets.EnvDev, secrets.EnvStaging, secrets.EnvProduction} {
		if result.Environments[i].Name != want || result.Environments[i].Outcome != OutcomeCreated {
			t.Fatalf("env %d = %+v", i, result.Environments[i])
		}
	}

	for _, env := range secrets.CanonicalEnvironments {
		record, found, _ := store.GetEnvironment(context.Background(), "p1", env)
		if !found || record.State != StateActive || record.ProvisionedAt == nil {
			t.Fatalf("record for %s = found=%v %+v", env, found, record)
		}
	}

	recorded := events.Events()
	if len(recorded) != 1 || recorded[0].Operation != audit.OpEnvironmentSet || recorded[0].Status != audit.StatusSuccess {
		t.Fatalf("audit = %+v", recorded)
	}
}

func TestEnsureAll_ExistingEnvironmentReportsUpdated(t *testing.T) {
	envClient := &fakeEnvClient{existing: map[string]bool{"staging": true}}
	p, _, _ := newFixture(t, envClient, &fakeSecretUpserter{})

	result, _ := p.EnsureAll(context.Background(), "p1", "actor", nil)
	for _, env := range result.Environments {
		want := OutcomeCreated
		if env.Name == secrets.EnvStaging {
			want = OutcomeUpdated
		}
		if env.Outcome != want {
			t.Fatalf("%s outcome = %s, want %s", env.Name, env.Outcome, want)
		}
	}
}

func TestEnsureAll_ReviewerNotFoundFailsOnlyThatEnvironment(t *testing.T) {
	envClient := &fakeEnvClient{
		existing:   map[string]bool{},
		upsertErrs: map[string]error{"production": github.ErrReviewerNotFound},
	}
	p, store, events := newFixture(t, envClient, &fakeSecretUpserter{})

	result, err := p.EnsureAll(context.Background(), "p1", "actor", nil)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if result.FailedCount != 1 {
		t.Fatalf("failed = %d, want 1", result.FailedCount)
	}
	if result.Environments[2].Outcome != OutcomeFailed {
		t.Fatalf("production = %+v", result.Environments[2])
	}
	if result.Environments[0].Outcome != OutcomeCreated || result.Environments[1].Outcome != OutcomeCreated {
		t.Fatal("dev and staging must still converge")
	}

	record, _, _ := store.GetEnvironment(context.Background(), "p1", secrets.EnvProduction)
	if record.State != StateFailed || record.LastError == "" {
		t.Fatalf("production record = %+v", record)
	}

	recorded := events.Events()
	if len(recorded) != 1 || recorded[0].Status != audit.StatusPartial {
		t.Fatalf("audit = %+v", recorded)
	}
}

func TestEnsureAll_SecretFailureLeavesEnvironmentActive(t *testing.T) {
	envClient := &fakeEnvClient{existing: map[string]bool{}}
	secretClient := &fakeSecretUpserter{errs: map[string]error{"BROKEN": errors.New("boom")}}
	p, store, _ := newFixture(t, envClient, secretClient)

	result, _ := p.EnsureAll(context.Background(), "p1", "actor", map[secrets.Environment]Spec{
		secrets.EnvDev: {Secrets: map[string]redact.Value{
			"DATABASE_URL": "postgres://dev",
			"BROKEN":       "x",
		}},
	})

	dev := result.Environments[0]
	if dev.Outcome != OutcomeCreated {
		t.Fatalf("dev = %+v", dev)
	}
	if dev.SecretsSet != 1 || len(dev.SecretErrors) != 1 {
		t.Fatalf("dev secrets = %+v", dev)
	}

	record, _, _ := store.GetEnvironment(context.Background(), "p1", secrets.EnvDev)
	if record.State != StateActive {
		t.Fatalf("secret failure must not fail the environment: %+v", record)
	}
}

func TestEnsureAll_ExcludedNameNeverReachesPlatform(t *testing.T) {
	envClient := &fakeEnvClient{existing: map[string]bool{}}
	secretClient := &fakeSecretUpserter{}
	p, _, _ := newFixture(t, envClient, secretClient)

	filter, err := secrets.NewExclusionFilter(secrets.DefaultExclusions)
	if err != nil {
		t.Fatalf("compiling filter: %v", err)
	}
	p = p.WithFilter(func() *secrets.ExclusionFilter { return filter })

	result, err := p.EnsureAll(context.Background(), "p1", "actor", map[secrets.Environment]Spec{
		secrets.EnvDev: {Secrets: map[string]redact.Value{
			"GITHUB_TOKEN": "ghp_abc123",
			"DATABASE_URL": "postgres://dev",
		}},
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	for _, call := range secretClient.calls {
		if call == "environment:dev/GITHUB_TOKEN" {
			t.Fatalf("excluded name reached the platform: %v", secretClient.calls)
		}
	}
	dev := result.Environments[0]
	if dev.SecretsSet != 1 || dev.SecretsSkipped != 1 {
		t.Fatalf("dev = %+v", dev)
	}
}

func TestEnsureAll_QuotaPreflightAbortsBeforeNetwork(t *testing.T) {
	envClient := &fakeEnvClient{existing: map[string]bool{}}
	secretClient := &fakeSecretUpserter{}
	p, _, events := newFixture(t, envClient, secretClient)

	tracker := quota.NewTracker(nil)
	tracker.Refresh(context.Background(), quota.ClassCore, 0, 5000, time.Now().Add(time.Hour))
	p = p.WithQuota(tracker)

	_, err := p.EnsureAll(context.Background(), "p1", "actor", map[secrets.Environment]Spec{
		secrets.EnvDev: {Secrets: map[string]redact.Value{"DATABASE_URL": "postgres://dev"}},
	})
	var exhausted *quota.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if len(envClient.upserts) != 0 || len(secretClient.calls) != 0 {
		t.Fatalf("preflight abort must make zero network calls: env=%v secrets=%v",
			envClient.upserts, secretClient.calls)
	}

	recorded := events.Events()
	if len(recorded) != 1 || recorded[0].Status == audit.StatusSuccess {
		t.Fatalf("audit = %+v", recorded)
	}
}

func TestEnsureAll_RecordsSecretRefsAndLinkedResources(t *testing.T) {
	envClient := &fakeEnvClient{existing: map[string]bool{}}
	p, store, _ := newFixture(t, envClient, &fakeSecretUpserter{})

	_, err := p.EnsureAll(context.Background(), "p1", "actor", map[secrets.Environment]Spec{
		secrets.EnvStaging: {
			Secrets:         map[string]redact.Value{"API_KEY_STAGING": "k"},
			LinkedResources: map[string]string{"database": "rds-staging-01"},
		},
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	record, _, _ := store.GetEnvironment(context.Background(), "p1", secrets.EnvStaging)
	if len(record.Secrets) != 1 || record.Secrets[0].Name != "API_KEY" {
		t.Fatalf("secret refs = %+v", record.Secrets)
	}
	if record.Secrets[0].LastUpdatedAt.IsZero() {
		t.Fatal("secret ref must carry a write timestamp")
	}
	if record.LinkedResources["database"] != "rds-staging-01" {
		t.Fatalf("linked resources = %+v", record.LinkedResources)
	}
}

func TestEnsureAll_ReEnsureIsIdempotent(t *testing.T) {
	envClient := &fakeEnvClient{existing: map[string]bool{}}
	p, store, _ := newFixture(t, envClient, &fakeSecretUpserter{})

	if _, err := p.EnsureAll(context.Background(), "p1", "actor", nil); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	first, _, _ := store.GetEnvironment(context.Background(), "p1", secrets.EnvDev)

	// Second pass: the platform now reports all three as existing.
	for _, env := range secrets.CanonicalEnvironments {
		envClient.existing[string(env)] = true
	}
	result, err := p.EnsureAll(context.Background(), "p1", "actor", nil)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	for _, env := range result.Environments {
		if env.Outcome != OutcomeUpdated {
			t.Fatalf("%s = %s, want updated", env.Name, env.Outcome)
		}
	}

	second, _, _ := store.GetEnvironment(context.Background(), "p1", secrets.EnvDev)
	if second.ID != first.ID {
		t.Fatal("re-ensure must reuse the record")
	}
	if second.ProvisionedAt == nil || !second.ProvisionedAt.Equal(*first.ProvisionedAt) {
		t.Fatal("ProvisionedAt must be stable across re-ensures")
	}
}
