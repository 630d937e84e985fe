package httpapi

import (
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sambaza/internal/scheduler"
	"github.com/jkaninda/sambaza/internal/secrets"
)

func TestPayloadChecksum_StableAcrossScopeOrder(t *testing.T) {
	a := payloadChecksum(SyncRequest{
		Values:       map[string]string{"API_KEY": "v1", "DATABASE_URL_DEV": "v2"},
		TargetScopes: []string{"actions", "codespaces"},
	})
	b := payloadChecksum(SyncRequest{
		Values:       map[string]string{"DATABASE_URL_DEV": "v2", "API_KEY": "v1"},
		TargetScopes: []string{"codespaces", "actions"},
	})
	if a != b {
		t.Errorf("checksum differs for equivalent payloads: %s vs %s", a, b)
	}
}

func TestPayloadChecksum_ChangesWithValues(t *testing.T) {
	a := payloadChecksum(SyncRequest{Values: map[string]string{"API_KEY": "v1"}})
	b := payloadChecksum(SyncRequest{Values: map[string]string{"API_KEY": "v2"}})
	if a == b {
		t.Error("checksum must change when a value changes")
	}
}

func TestParseScopes(t *testing.T) {
	scopes, err := parseScopes([]string{"actions", "environment:production"})
	if err != nil {
		t.Fatalf("parsing valid scopes: %v", err)
	}
	if scopes[0].Kind != secrets.ScopeActions {
		t.Errorf("scopes[0] = %+v", scopes[0])
	}
	if scopes[1].Kind != secrets.ScopeEnvironment || scopes[1].Environment != secrets.EnvProduction {
		t.Errorf("scopes[1] = %+v", scopes[1])
	}

	if _, err := parseScopes([]string{"environment:qa"}); err == nil {
		t.Error("non-canonical environment accepted")
	}
	if _, err := parseScopes([]string{"registry"}); err == nil {
		t.Error("unknown scope accepted")
	}
}

func TestCorrelationIDFrom(t *testing.T) {
	if got := correlationIDFrom("client-trace-42"); got != "client-trace-42" {
		t.Errorf("caller id not honored: %q", got)
	}
	if got := correlationIDFrom("  client-trace-42  "); got != "client-trace-42" {
		t.Errorf("caller id not trimmed: %q", got)
	}
	if got := correlationIDFrom(""); len(got) != 16 {
		t.Errorf("missing header must generate a fresh id, got %q", got)
	}
	if got := correlationIDFrom(strings.Repeat("x", 200)); len(got) != 16 {
		t.Errorf("oversized header must be replaced, got %q", got)
	}
}

func TestNextScheduledSync(t *testing.T) {
	now := time.Now().UTC()
	soon := now.Add(5 * time.Minute)
	later := now.Add(time.Hour)

	if got := nextScheduledSync(nil); got != nil {
		t.Errorf("no schedules: got %v", got)
	}
	got := nextScheduledSync([]scheduler.SyncSchedule{
		{Enabled: true, NextRunAt: &later},
		{Enabled: true, NextRunAt: &soon},
		{Enabled: false, NextRunAt: &now}, // disabled schedules never count
		{Enabled: true},                   // never fired, no next run yet
	})
	if got == nil || !got.Equal(soon) {
		t.Errorf("next run = %v, want %v", got, soon)
	}
}

func TestTokenFingerprint(t *testing.T) {
	a := tokenFingerprint("secret-token-1")
	b := tokenFingerprint("secret-token-1")
	c := tokenFingerprint("secret-token-2")
	if a != b {
		t.Error("fingerprint not stable")
	}
	if a == c {
		t.Error("distinct tokens share a fingerprint")
	}
	if !strings.HasPrefix(a, "token-") || strings.Contains(a, "secret") {
		t.Errorf("fingerprint malformed or leaks the token: %q", a)
	}
}
