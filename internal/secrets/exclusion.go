package secrets

import (
	"fmt"
	"regexp"
)

// ExclusionPattern marks names that must never be distributed.
// Global patterns apply to every project; project patterns to one.
type ExclusionPattern struct {
	Pattern  string `json:"pattern"`
	Reason   string `json:"reason"`
	IsGlobal bool   `json:"is_global"`
}

// DefaultExclusions are the built-in global patterns. Platform credentials
// and CI-injected values must never round-trip through distribution.
var DefaultExclusions = []ExclusionPattern{
	{Pattern: `^GITHUB_`, Reason: "platform-reserved prefix", IsGlobal: true},
	{Pattern: `^GH_TOKEN$`, Reason: "platform access credential", IsGlobal: true},
	{Pattern: `^ACTIONS_`, Reason: "CI runtime variable", IsGlobal: true},
	{Pattern: `^RUNNER_`, Reason: "CI runtime variable", IsGlobal: true},
	{Pattern: `^CI$`, Reason: "CI runtime variable", IsGlobal: true},
}

// ExclusionFilter evaluates compiled exclusion patterns against original
// (unclassified) secret names. Compile once, match per name — the check runs
// before any network call so excluded names cost no quota.
type ExclusionFilter struct {
	rules []exclusionRule
}

type exclusionRule struct {
	re     *regexp.Regexp
	reason string
}

// NewExclusionFilter compiles the union of global and project patterns.
// An invalid regex is a configuration error, not a skippable entry.
func NewExclusionFilter(patterns []ExclusionPattern) (*ExclusionFilter, error) {
	f := &ExclusionFilter{rules: make([]exclusionRule, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compiling exclusion pattern %q: %w", p.Pattern, err)
		}
		f.rules = append(f.rules, exclusionRule{re: re, reason: p.Reason})
	}
	return f, nil
}

// Excluded checks the ORIGINAL name against every pattern. A name that both
// matches an environment suffix and an exclusion pattern is still excluded —
// exclusion is decided before classification strips anything.
func (f *ExclusionFilter) Excluded(name string) (bool, string) {
	for _, r := range f.rules {
		if r.re.MatchString(name) {
			return true, r.reason
		}
	}
	return false, ""
}
