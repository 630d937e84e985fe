package source

import (
	"context"

	"github.com/jkaninda/sambaza/internal/distribute"
)

// SyncRunner matches the distribution engine's entry point.
type SyncRunner interface {
	Run(ctx context.Context, req distribute.Request) (distribute.Result, error)
}

// Runner resolves indirect references in a request's values and then
// delegates to the engine. It sits in front of every sync path (HTTP,
// scheduler, CLI) so the engine only ever sees literal material.
type Runner struct {
	next     SyncRunner
	resolver *Resolver
}

// NewRunner wraps a sync runner with reference resolution.
func NewRunner(next SyncRunner, resolver *Resolver) *Runner {
	return &Runner{next: next, resolver: resolver}
}

func (r *Runner) Run(ctx context.Context, req distribute.Request) (distribute.Result, error) {
	resolved, err := r.resolver.ResolveAll(ctx, req.Values)
	if err != nil {
		return distribute.Result{}, err
	}
	req.Values = resolved
	return r.next.Run(ctx, req)
}
