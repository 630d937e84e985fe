// Package source resolves indirect value references before distribution.
//
// A sync request value may be a literal, or a reference to an external
// backend ("env://DB_PASSWORD", "vault://secret/data/app#api_key"). The
// resolver swaps references for their backing material; resolved values are
// redact.Value from the moment they enter the pipeline and never appear in
// logs or errors.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/sambaza/internal/redact"
)

// ErrNotResolved is returned when no provider can resolve a reference.
var ErrNotResolved = fmt.Errorf("reference not resolved")

// Provider resolves references with one scheme into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a reference (e.g. "env://MY_KEY") and returns the raw
	// value. Returns ErrNotResolved if the reference cannot be resolved.
	Resolve(ctx context.Context, ref string) (redact.Value, error)

	// Name returns the provider identifier for logging.
	Name() string
}

// referenceSchemes are the prefixes that mark a value as indirect. Anything
// else is a literal and passes through untouched.
var referenceSchemes = []string{"env://", "vault://"}

// IsReference reports whether a value is an indirect reference.
func IsReference(v string) bool {
	for _, scheme := range referenceSchemes {
		if strings.HasPrefix(v, scheme) {
			return true
		}
	}
	return false
}

// Resolver tries each provider in order; the first that resolves a
// reference wins.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger
}

// NewResolver creates a resolver over the given providers.
func NewResolver(logger *slog.Logger, providers ...Provider) *Resolver {
	return &Resolver{providers: providers, logger: logger}
}

// Resolve walks the providers for a single reference.
func (r *Resolver) Resolve(ctx context.Context, ref string) (redact.Value, error) {
	var lastErr error
	for _, p := range r.providers {
		v, err := p.Resolve(ctx, ref)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: no provider configured", ErrNotResolved)
}

// ResolveAll replaces every reference value in the map, leaving literals
// alone. A single unresolvable reference fails the whole batch: distributing
// a partial set would leave scopes disagreeing about what a name holds.
func (r *Resolver) ResolveAll(ctx context.Context, values map[string]redact.Value) (map[string]redact.Value, error) {
	resolved := make(map[string]redact.Value, len(values))
	for name, v := range values {
		if !IsReference(string(v)) {
			resolved[name] = v
			continue
		}
		material, err := r.Resolve(ctx, string(v))
		if err != nil {
			return nil, fmt.Errorf("resolving reference for %s: %w", name, err)
		}
		r.logger.Debug("reference resolved", slog.String("name", name))
		resolved[name] = material
	}
	return resolved, nil
}
