// Package secrets defines the secret naming model for distribution.
// A raw name like DATABASE_URL_STAGING is parsed exactly once at ingestion
// into a SecretKey; downstream components never re-match suffixes.
package secrets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Environment is a canonical long-lived deployment target.
type Environment string

const (
	EnvDev        Environment = "dev"
	EnvStaging    Environment = "staging"
	EnvProduction Environment = "production"
)

// CanonicalEnvironments lists the exactly three long-lived deployment targets,
// in provisioning order.
var CanonicalEnvironments = []Environment{EnvDev, EnvStaging, EnvProduction}

// IsCanonical reports whether name is one of the three canonical environments.
func IsCanonical(name string) bool {
	switch Environment(name) {
	case EnvDev, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// ScopeKind identifies a secret-storage namespace on the platform.
type ScopeKind string

const (
	ScopeActions     ScopeKind = "actions"     // CI secrets
	ScopeCodespaces  ScopeKind = "codespaces"  // cloud dev environments
	ScopeDependabot  ScopeKind = "dependabot"  // dependency bot
	ScopeEnvironment ScopeKind = "environment" // a named deployment environment
)

// Scope is an isolated secret-storage namespace with its own encryption key.
// Environment scopes carry the environment name; the others do not.
type Scope struct {
	Kind        ScopeKind   `json:"kind"`
	Environment Environment `json:"environment,omitempty"` // set only for ScopeEnvironment
}

// EnvScope returns the scope for a named deployment environment.
func EnvScope(env Environment) Scope {
	return Scope{Kind: ScopeEnvironment, Environment: env}
}

// String returns a stable identifier, e.g. "actions" or "environment:staging".
func (s Scope) String() string {
	if s.Kind == ScopeEnvironment {
		return fmt.Sprintf("%s:%s", s.Kind, s.Environment)
	}
	return string(s.Kind)
}

// ParseScope parses a scope identifier produced by Scope.String, e.g.
// "actions" or "environment:staging".
func ParseScope(s string) (Scope, error) {
	if env, ok := strings.CutPrefix(s, string(ScopeEnvironment)+":"); ok {
		if !IsCanonical(env) {
			return Scope{}, fmt.Errorf("unknown environment %q", env)
		}
		return EnvScope(Environment(env)), nil
	}
	switch ScopeKind(s) {
	case ScopeActions, ScopeCodespaces, ScopeDependabot:
		return Scope{Kind: ScopeKind(s)}, nil
	}
	return Scope{}, fmt.Errorf("unknown scope %q", s)
}

// SecretKey is the parsed form of a raw secret name.
// Scope is either global (Env == "") or a specific deployment environment.
type SecretKey struct {
	Base string      // name with any environment suffix stripped
	Env  Environment // "" = global
}

// Global reports whether the key targets every scope rather than one environment.
func (k SecretKey) Global() bool { return k.Env == "" }

// suffixRule maps a name suffix to its environment. Order matters:
// the first matching suffix wins and is stripped.
type suffixRule struct {
	suffix string
	env    Environment
}

var suffixTable = []suffixRule{
	{"_DEV", EnvDev},
	{"_STAGING", EnvStaging},
	{"_PROD", EnvProduction},
}

// namePattern is the platform's secret-name constraint.
var namePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// ValidName reports whether name satisfies the platform naming rules.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Classify parses a raw secret name into its SecretKey.
// The first suffix in table order wins; a name with no suffix is global
// and keeps its base unchanged.
func Classify(name string) SecretKey {
	for _, rule := range suffixTable {
		if len(name) > len(rule.suffix) && name[len(name)-len(rule.suffix):] == rule.suffix {
			return SecretKey{Base: name[:len(name)-len(rule.suffix)], Env: rule.env}
		}
	}
	return SecretKey{Base: name}
}

// HashValue returns the sha256 hex digest of a plaintext value.
// Only the digest is ever persisted; plaintext never reaches storage.
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
