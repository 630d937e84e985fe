// Package scheduler runs scheduled periodic secret syncs and audit retention
// pruning. It polls the store for due schedules and submits them through the
// regular distribution pipeline, so scheduled runs get the same exclusion,
// quota, and audit treatment as interactive ones.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sambaza/internal/audit"
	"github.com/jkaninda/sambaza/internal/config"
	"github.com/jkaninda/sambaza/internal/distribute"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/secrets"
)

// SyncSchedule is one recurring sync definition. Values are re-read from
// SourcePath at fire time; nothing sensitive is stored on the schedule row.
type SyncSchedule struct {
	ID             uuid.UUID
	ProjectID      string
	Name           string
	CronExpression string
	SourcePath     string // KEY=VALUE env file read when the schedule fires
	TargetScopes   []string
	DryRun         bool
	Enabled        bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduleStore is the persistence interface for sync schedules.
type ScheduleStore interface {
	Create(ctx context.Context, s *SyncSchedule) error
	Get(ctx context.Context, id uuid.UUID) (*SyncSchedule, error)
	List(ctx context.Context, projectID string) ([]SyncSchedule, error)
	Update(ctx context.Context, s *SyncSchedule) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetDue(ctx context.Context, now time.Time) ([]SyncSchedule, error)
	RecordExecution(ctx context.Context, id uuid.UUID, nextRunAt time.Time, errMsg string) error
}

// SyncRunner submits one distribution run. *distribute.Engine satisfies it.
type SyncRunner interface {
	Run(ctx context.Context, req distribute.Request) (distribute.Result, error)
}

// Scheduler polls for due sync schedules and fires them, and prunes audit
// events past the retention window once a day.
type Scheduler struct {
	store   ScheduleStore
	runner  SyncRunner
	events  audit.EventStore
	metrics *Metrics
	logger  *slog.Logger
	config  *config.SchedulerConfig

	parser cron.Parser

	// loadSource is swapped in tests; defaults to reading an env file.
	loadSource func(path string) (map[string]string, error)
}

// New creates a Scheduler.
func New(store ScheduleStore, runner SyncRunner, events audit.EventStore, metrics *Metrics, logger *slog.Logger, cfg *config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:      store,
		runner:     runner,
		events:     events,
		metrics:    metrics,
		logger:     logger,
		config:     cfg,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		loadSource: func(path string) (map[string]string, error) { return godotenv.Read(path) },
	}
}

// Start begins the scheduler loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "sync scheduler started",
			slog.String("poll_interval", s.config.PollInterval().String()),
			slog.Int("max_concurrent", s.config.MaxConcurrent()),
			slog.String("retention", s.config.Retention().String()),
		)

		// Recover runs missed while the process was down.
		s.recoverMissedRuns(ctx)
		s.pruneEvents(ctx)

		ticker := time.NewTicker(s.config.PollInterval())
		defer ticker.Stop()
		retention := time.NewTicker(24 * time.Hour)
		defer retention.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("sync scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			case <-retention.C:
				s.pruneEvents(ctx)
			}
		}
	}()

	return cancel
}

// tick runs a single poll cycle: find due schedules, fire them, record results.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()

	due, err := s.store.GetDue(ctx, start.UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler tick failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(due) > 0 {
		s.logger.InfoContext(ctx, "sync schedules due", slog.Int("count", len(due)))

		sem := make(chan struct{}, s.config.MaxConcurrent())
		var wg sync.WaitGroup
		for i := range due {
			schedule := due[i]
			sem <- struct{}{}
			wg.Add(1)
			go func(sched SyncSchedule) {
				defer wg.Done()
				defer func() { <-sem }()
				s.fire(ctx, &sched)
			}(schedule)
		}
		wg.Wait()
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

// fire runs a single scheduled sync and records the execution.
func (s *Scheduler) fire(ctx context.Context, schedule *SyncSchedule) {
	correlationID := newCorrelationID()

	s.logger.InfoContext(ctx, "firing scheduled sync",
		slog.String("schedule_id", schedule.ID.String()),
		slog.String("name", schedule.Name),
		slog.String("project_id", schedule.ProjectID),
		slog.String("correlation_id", correlationID),
	)
	if s.metrics != nil {
		s.metrics.SyncsFired.Inc()
	}

	errMsg := ""
	if err := s.runOnce(ctx, schedule, correlationID); err != nil {
		errMsg = redact.String(err.Error())
		s.logger.ErrorContext(ctx, "scheduled sync failed",
			slog.String("schedule_id", schedule.ID.String()),
			slog.String("error", errMsg),
		)
		if s.metrics != nil {
			s.metrics.SyncsFailed.Inc()
		}
	} else if s.metrics != nil {
		s.metrics.SyncsSucceeded.Inc()
	}

	nextRun := s.computeNextRun(schedule.CronExpression)
	if err := s.store.RecordExecution(ctx, schedule.ID, nextRun, errMsg); err != nil {
		s.logger.ErrorContext(ctx, "failed to record scheduled execution",
			slog.String("schedule_id", schedule.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// runOnce loads the source values and submits one distribution run.
func (s *Scheduler) runOnce(ctx context.Context, schedule *SyncSchedule, correlationID string) error {
	raw, err := s.loadSource(schedule.SourcePath)
	if err != nil {
		return fmt.Errorf("reading source %s: %w", schedule.SourcePath, err)
	}

	values := make(map[string]redact.Value, len(raw))
	for name, v := range raw {
		values[name] = redact.Value(v)
	}

	var scopes []secrets.Scope
	for _, raw := range schedule.TargetScopes {
		scope, err := secrets.ParseScope(raw)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", schedule.Name, err)
		}
		scopes = append(scopes, scope)
	}

	result, err := s.runner.Run(ctx, distribute.Request{
		ProjectID:     schedule.ProjectID,
		ActorID:       "scheduler",
		CorrelationID: correlationID,
		Values:        values,
		TargetScopes:  scopes,
		DryRun:        schedule.DryRun,
	})
	if err != nil {
		return err
	}
	if result.FailedCount > 0 {
		return fmt.Errorf("%d of %d writes failed", result.FailedCount, result.FailedCount+result.SyncedCount)
	}
	return nil
}

// recoverMissedRuns fires schedules whose NextRunAt passed while the process
// was down, skipping anything older than the missed-run window.
func (s *Scheduler) recoverMissedRuns(ctx context.Context) {
	now := time.Now().UTC()
	window := now.Add(-s.config.MissedRunWindow())

	due, err := s.store.GetDue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to recover missed syncs",
			slog.String("error", err.Error()),
		)
		return
	}

	var missed, fired int
	for i := range due {
		schedule := &due[i]
		if schedule.NextRunAt != nil && schedule.NextRunAt.Before(window) {
			nextRun := s.computeNextRun(schedule.CronExpression)
			_ = s.store.RecordExecution(ctx, schedule.ID, nextRun, "skipped: outside missed run window")
			if s.metrics != nil {
				s.metrics.SyncsMissed.Inc()
			}
			missed++
			continue
		}
		fired++
		s.fire(ctx, schedule)
	}

	if fired > 0 || missed > 0 {
		s.logger.InfoContext(ctx, "recovered missed scheduled syncs",
			slog.Int("fired", fired),
			slog.Int("skipped", missed),
		)
	}
}

// pruneEvents drops audit events older than the retention window.
func (s *Scheduler) pruneEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-s.config.Retention())
	pruned, err := s.events.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.ErrorContext(ctx, "audit retention prune failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if pruned > 0 {
		s.logger.InfoContext(ctx, "pruned audit events",
			slog.Int64("pruned", pruned),
			slog.Time("cutoff", cutoff),
		)
		if s.metrics != nil {
			s.metrics.EventsPruned.Add(float64(pruned))
		}
	}
}

// computeNextRun parses the cron expression and returns the next run time after now.
func (s *Scheduler) computeNextRun(expr string) time.Time {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		s.logger.Error("invalid cron expression", slog.String("expr", expr), slog.String("error", err.Error()))
		return time.Now().UTC().Add(24 * time.Hour)
	}
	return sched.Next(time.Now().UTC())
}

// ComputeNextRunFrom computes the next run time from a given reference time.
// Exported for use by the HTTP API when creating/updating schedules.
func ComputeNextRunFrom(expr string, from time.Time) (time.Time, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
