package secrets

import "testing"

func TestClassify_EnvironmentSuffixes(t *testing.T) {
	cases := []struct {
		name string
		base string
		env  Environment
	}{
		{"DATABASE_URL_DEV", "DATABASE_URL", EnvDev},
		{"DATABASE_URL_STAGING", "DATABASE_URL", EnvStaging},
		{"DATABASE_URL_PROD", "DATABASE_URL", EnvProduction},
		{"DATABASE_URL", "DATABASE_URL", ""},
		{"API_KEY", "API_KEY", ""},
		{"PROD", "PROD", ""}, // suffix alone is not a suffix match
	}
	for _, c := range cases {
		key := Classify(c.name)
		if key.Base != c.base || key.Env != c.env {
			t.Errorf("Classify(%q) = {%q, %q}, want {%q, %q}", c.name, key.Base, key.Env, c.base, c.env)
		}
	}
}

func TestClassify_GlobalHasNoEnv(t *testing.T) {
	key := Classify("SENTRY_DSN")
	if !key.Global() {
		t.Fatalf("expected global key, got env %q", key.Env)
	}
}

func TestValidName(t *testing.T) {
	valid := []string{"A", "DATABASE_URL", "X1_Y2"}
	invalid := []string{"", "1ABC", "lower_case", "HAS-DASH", "_LEADING"}

	for _, n := range valid {
		if !ValidName(n) {
			t.Errorf("ValidName(%q) = false, want true", n)
		}
	}
	for _, n := range invalid {
		if ValidName(n) {
			t.Errorf("ValidName(%q) = true, want false", n)
		}
	}
}

func TestHashValue_Deterministic(t *testing.T) {
	if HashValue("postgres://a") != HashValue("postgres://a") {
		t.Fatal("same value must produce the same hash")
	}
	if HashValue("postgres://a") == HashValue("postgres://b") {
		t.Fatal("different values must produce different hashes")
	}
	if len(HashValue("x")) != 64 {
		t.Fatal("expected sha256 hex digest")
	}
}

func TestExclusionFilter_OriginalNameWins(t *testing.T) {
	f, err := NewExclusionFilter(DefaultExclusions)
	if err != nil {
		t.Fatalf("compiling defaults: %v", err)
	}

	// GITHUB_TOKEN_DEV matches both the _DEV suffix and the ^GITHUB_ pattern.
	// Exclusion is evaluated against the original name, so it must win.
	excluded, reason := f.Excluded("GITHUB_TOKEN_DEV")
	if !excluded {
		t.Fatal("GITHUB_TOKEN_DEV should be excluded")
	}
	if reason == "" {
		t.Fatal("expected a reason for the exclusion")
	}

	if ok, _ := f.Excluded("DATABASE_URL_DEV"); ok {
		t.Fatal("DATABASE_URL_DEV should not be excluded")
	}
}

func TestExclusionFilter_ProjectPatterns(t *testing.T) {
	patterns := append([]ExclusionPattern{}, DefaultExclusions...)
	patterns = append(patterns, ExclusionPattern{Pattern: `^LEGACY_`, Reason: "migrated off"})

	f, err := NewExclusionFilter(patterns)
	if err != nil {
		t.Fatalf("compiling: %v", err)
	}
	if ok, _ := f.Excluded("LEGACY_DB_PASS"); !ok {
		t.Fatal("project pattern should exclude LEGACY_DB_PASS")
	}
}

func TestExclusionFilter_InvalidPattern(t *testing.T) {
	_, err := NewExclusionFilter([]ExclusionPattern{{Pattern: `([`}})
	if err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestScopeString(t *testing.T) {
	if got := EnvScope(EnvStaging).String(); got != "environment:staging" {
		t.Errorf("EnvScope string = %q", got)
	}
	if got := (Scope{Kind: ScopeActions}).String(); got != "actions" {
		t.Errorf("actions scope string = %q", got)
	}
}
