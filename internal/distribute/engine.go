package distribute

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/quota"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// DefaultConcurrency bounds parallel scope writes. High enough to overlap
// network latency, low enough to stay clear of secondary rate limits.
const DefaultConcurrency = 10

// Request describes one distribution run.
type Request struct {
	ProjectID     string
	ActorID       string
	CorrelationID string
	Values        map[string]redact.Value // raw name -> plaintext value
	TargetScopes  []secrets.Scope         // empty = all non-environment scopes for global names
	DryRun        bool
}

// ItemError is one failed (scope, name) pair in the aggregate result.
type ItemError struct {
	SecretName string `json:"secret_name"`
	Scope      string `json:"scope"`
	Message    string `json:"message"`
}

// Result aggregates a run. Partial failure is the normal case: individual
// errors are collected here, not raised.
type Result struct {
	SyncedCount   int         `json:"synced_count"`
	SkippedCount  int         `json:"skipped_count"`
	FailedCount   int         `json:"failed_count"`
	ConflictCount int         `json:"conflict_count"`
	Errors        []ItemError `json:"errors,omitempty"`
	CorrelationID string      `json:"correlation_id"`
	DurationMs    int64       `json:"duration_ms"`
}

// defaultGlobalScopes is where a global (non-environment) name lands when the
// request does not narrow targets.
var defaultGlobalScopes = []secrets.Scope{
	{Kind: secrets.ScopeActions},
	{Kind: secrets.ScopeCodespaces},
	{Kind: secrets.ScopeDependabot},
}

// Engine runs distribution batches: classify and exclude, quota preflight,
// bounded-parallel scope writes, one audit event per run.
type Engine struct {
	writer      *Writer
	filter      atomic.Pointer[secrets.ExclusionFilter]
	quota       *quota.Tracker
	recorder    *audit.Recorder
	logger      *slog.Logger
	metrics     *Metrics
	concurrency int64
}

// NewEngine creates an Engine. metrics may be nil.
func NewEngine(writer *Writer, filter *secrets.ExclusionFilter, tracker *quota.Tracker, recorder *audit.Recorder, metrics *Metrics, logger *slog.Logger) *Engine {
	e := &Engine{
		writer:      writer,
		quota:       tracker,
		recorder:    recorder,
		logger:      logger,
		metrics:     metrics,
		concurrency: DefaultConcurrency,
	}
	e.filter.Store(filter)
	return e
}

// WithConcurrency overrides the parallel write limit. Values below 1 keep
// the default.
func (e *Engine) WithConcurrency(n int) *Engine {
	if n > 0 {
		e.concurrency = int64(n)
	}
	return e
}

// UpdateFilter swaps the exclusion filter. In-flight runs keep the filter
// they started with.
func (e *Engine) UpdateFilter(filter *secrets.ExclusionFilter) {
	e.filter.Store(filter)
}

// Filter returns the current exclusion filter. Provisioning shares it so
// environment secrets honor the same exclusions as distribution runs.
func (e *Engine) Filter() *secrets.ExclusionFilter {
	return e.filter.Load()
}

// workItem is the unit handed to the semaphore pool: one secret name and the
// ordered scopes it targets. Scopes for a single name run sequentially so
// its mapping row has a single writer at a time; parallelism is across names.
type workItem struct {
	name     string
	key      secrets.SecretKey
	value    redact.Value
	excluded bool
	scopes   []secrets.Scope
}

// Run executes one distribution batch. The only batch-level aborts are the
// quota preflight and missing credentials; everything else aggregates.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	result := Result{CorrelationID: req.CorrelationID}

	items, writeCount := e.plan(req)

	// Mandatory preflight: insufficient quota aborts before any network
	// call. This is a hard, non-partial failure.
	if !req.DryRun && writeCount > 0 {
		if err := e.quota.CheckAndReserve(ctx, quota.ClassSecrets, writeCount); err != nil {
			e.recordRun(ctx, req, &result, audit.StatusFailure, nil, time.Since(start))
			return result, err
		}
	}

	sem := semaphore.NewWeighted(e.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	// One entry per attempted write ("scope/NAME") so the audit invariant
	// successCount+failureCount == len(affectedScopes) holds.
	var affected []string

	for _, item := range items {
		if item.excluded {
			mu.Lock()
			result.SkippedCount++
			mu.Unlock()
			if !req.DryRun {
				// Record the exclusion on the mapping; costs no quota.
				_, _ = e.writer.Upsert(ctx, WriteRequest{
					ProjectID: req.ProjectID,
					Name:      item.name,
					Excluded:  true,
				})
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Caller timeout: remaining unfinished writes report as failures.
			mu.Lock()
			for _, scope := range item.scopes {
				result.FailedCount++
				result.Errors = append(result.Errors, ItemError{
					SecretName: item.name,
					Scope:      scope.String(),
					Message:    err.Error(),
				})
				affected = append(affected, scope.String()+"/"+item.key.Base)
			}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(item workItem) {
			defer wg.Done()
			defer sem.Release(1)

			for _, scope := range item.scopes {
				res, err := e.writer.Upsert(ctx, WriteRequest{
					ProjectID:  req.ProjectID,
					Scope:      scope,
					Name:       item.name,
					TargetName: item.key.Base,
					Value:      item.value,
					DryRun:     req.DryRun,
				})

				mu.Lock()
				affected = append(affected, scope.String()+"/"+item.key.Base)
				switch {
				case err != nil:
					result.FailedCount++
					result.Errors = append(result.Errors, ItemError{
						SecretName: item.name,
						Scope:      scope.String(),
						Message:    redact.String(err.Error()),
					})
				default:
					result.SyncedCount++
					if res.Conflict {
						result.ConflictCount++
					}
				}
				mu.Unlock()

				if e.metrics != nil {
					e.metrics.observeWrite(scope, err == nil)
				}
			}
		}(item)
	}
	wg.Wait()

	result.DurationMs = time.Since(start).Milliseconds()

	sort.Strings(affected)
	status := audit.StatusFor(result.SyncedCount, result.FailedCount)
	e.recordRun(ctx, req, &result, status, affected, time.Since(start))

	if e.metrics != nil {
		e.metrics.observeRun(status, time.Since(start))
		e.metrics.observeQuota(e.quota)
	}

	e.logger.InfoContext(ctx, "distribution run finished",
		slog.String("project_id", req.ProjectID),
		slog.String("correlation_id", req.CorrelationID),
		slog.Int("synced", result.SyncedCount),
		slog.Int("skipped", result.SkippedCount),
		slog.Int("failed", result.FailedCount),
		slog.Int("conflicts", result.ConflictCount),
		slog.Bool("dry_run", req.DryRun),
	)
	return result, nil
}

// plan classifies and filters every input name and resolves its target
// scopes. Exclusion is decided on the original name before anything else so
// excluded entries never cost a network call.
func (e *Engine) plan(req Request) ([]workItem, int) {
	names := make([]string, 0, len(req.Values))
	for name := range req.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	globalScopes := defaultGlobalScopes
	var envFilter map[secrets.Environment]bool
	if len(req.TargetScopes) > 0 {
		globalScopes = nil
		envFilter = map[secrets.Environment]bool{}
		for _, s := range req.TargetScopes {
			if s.Kind == secrets.ScopeEnvironment {
				envFilter[s.Environment] = true
			} else {
				globalScopes = append(globalScopes, s)
			}
		}
	}

	var items []workItem
	writeCount := 0
	for _, name := range names {
		excluded, _ := e.filter.Load().Excluded(name)
		key := secrets.Classify(name)

		item := workItem{
			name:     name,
			key:      key,
			value:    req.Values[name],
			excluded: excluded,
		}
		if !excluded {
			if key.Global() {
				item.scopes = globalScopes
			} else if envFilter == nil || envFilter[key.Env] {
				item.scopes = []secrets.Scope{secrets.EnvScope(key.Env)}
			}
			writeCount += len(item.scopes)
		}
		if excluded || len(item.scopes) > 0 {
			items = append(items, item)
		}
	}
	return items, writeCount
}

func (e *Engine) recordRun(ctx context.Context, req Request, result *Result, status audit.Status, scopes []string, elapsed time.Duration) {
	if e.recorder == nil {
		return
	}
	e.recorder.Record(ctx, audit.Event{
		ProjectID:      req.ProjectID,
		ActorID:        req.ActorID,
		Operation:      audit.OpSecretSync,
		AffectedScopes: scopes,
		Status:         status,
		SuccessCount:   result.SyncedCount,
		FailureCount:   result.FailedCount,
		CorrelationID:  req.CorrelationID,
		DurationMs:     elapsed.Milliseconds(),
		Metadata: map[string]any{
			"skipped":   result.SkippedCount,
			"conflicts": result.ConflictCount,
			"dry_run":   req.DryRun,
		},
	})
}
