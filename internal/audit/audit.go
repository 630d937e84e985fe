// Package audit records one immutable event per distribution operation.
// Events are append-only facts: they reference each other only through
// correlation ids and are never updated or deleted inside the retention
// window. Recording is fire-and-forget — an audit failure is logged but
// never surfaces into the primary operation's control flow.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sambaza/internal/redact"
)

// Operation names the action an event describes.
type Operation string

const (
	OpSecretSync     Operation = "secrets.sync"
	OpSecretUpdate   Operation = "secrets.update"
	OpEnvironmentSet Operation = "environments.ensure"
	OpValidate       Operation = "secrets.validate"
)

// Status is the aggregate outcome of an operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
)

// Event is one append-only audit fact.
type Event struct {
	ID             uuid.UUID      `json:"id"`
	ProjectID      string         `json:"project_id"`
	ActorID        string         `json:"actor_id"`
	Operation      Operation      `json:"operation"`
	SecretName     string         `json:"secret_name,omitempty"`
	AffectedScopes []string       `json:"affected_scopes"`
	Status         Status         `json:"status"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
	CorrelationID  string         `json:"correlation_id"`
	DurationMs     int64          `json:"duration_ms"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Validate enforces the event invariants before persistence.
func (e *Event) Validate() error {
	if e.SuccessCount+e.FailureCount != len(e.AffectedScopes) {
		return fmt.Errorf("success %d + failure %d must equal affected scopes %d",
			e.SuccessCount, e.FailureCount, len(e.AffectedScopes))
	}
	switch e.Status {
	case StatusSuccess:
		if e.FailureCount != 0 {
			return fmt.Errorf("success status with %d failures", e.FailureCount)
		}
	case StatusFailure:
		if e.SuccessCount != 0 {
			return fmt.Errorf("failure status with %d successes", e.SuccessCount)
		}
	case StatusPartial:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	return nil
}

// StatusFor derives the aggregate status from outcome counts.
func StatusFor(successes, failures int) Status {
	switch {
	case failures == 0:
		return StatusSuccess
	case successes == 0:
		return StatusFailure
	default:
		return StatusPartial
	}
}

// EventStore persists events. Append-only: the interface exposes no update
// or delete, except retention pruning by age.
type EventStore interface {
	Append(ctx context.Context, event Event) error
	Query(ctx context.Context, projectID string, limit int) ([]Event, error)
	LastSync(ctx context.Context, projectID string) (Event, bool, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder writes events to the store, redacting metadata on the way in.
type Recorder struct {
	store  EventStore
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store EventStore, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record appends one event. It fills defaults, redacts metadata, and never
// returns an error: a failed append must not fail the operation it describes.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Metadata = redact.Map(event.Metadata)

	if err := event.Validate(); err != nil {
		r.logger.ErrorContext(ctx, "dropping invalid audit event",
			slog.String("operation", string(event.Operation)),
			slog.String("correlation_id", event.CorrelationID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := r.store.Append(ctx, event); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed",
			slog.String("operation", string(event.Operation)),
			slog.String("correlation_id", event.CorrelationID),
			slog.String("error", redact.String(err.Error())),
		)
		return
	}

	r.logger.InfoContext(ctx, "audit event recorded",
		slog.String("operation", string(event.Operation)),
		slog.String("project_id", event.ProjectID),
		slog.String("status", string(event.Status)),
		slog.Int("success_count", event.SuccessCount),
		slog.Int("failure_count", event.FailureCount),
		slog.String("correlation_id", event.CorrelationID),
	)
}
