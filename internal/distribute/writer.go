package distribute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sambaza/internal/github"
	"github.com/jkaninda/sambaza/internal/redact"
	"github.com/jkaninda/sambaza/internal/sealbox"
	"github.com/jkaninda/sambaza/internal/secrets"
)

const (
	retryAttempts = 3
	retryBase     = time.Second
	retryMult     = 2
)

// SecretUpserter is the slice of the platform client the writer needs.
// *github.Client satisfies it.
type SecretUpserter interface {
	UpsertSecret(ctx context.Context, scope secrets.Scope, name string, enc github.EncryptedSecret) error
}

// Writer idempotently upserts one encrypted secret into one scope and keeps
// the SecretMapping record in step with the outcome.
type Writer struct {
	client   SecretUpserter
	enc      *sealbox.Encryptor
	mappings MappingStore
	logger   *slog.Logger

	// sleep is swapped in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWriter creates a Writer.
func NewWriter(client SecretUpserter, enc *sealbox.Encryptor, mappings MappingStore, logger *slog.Logger) *Writer {
	return &Writer{
		client:   client,
		enc:      enc,
		mappings: mappings,
		logger:   logger,
		sleep:    ctxSleep,
	}
}

// WriteRequest is one (scope, name) unit of work.
type WriteRequest struct {
	ProjectID  string
	Scope      secrets.Scope
	Name       string // original raw name, used for the mapping record
	TargetName string // name as written to the platform (base name)
	Value      redact.Value
	Excluded   bool
	DryRun     bool
}

// Upsert distributes one secret value into one scope. Excluded names return
// skipped with no network call. The value hash is computed before encryption;
// a mismatch against the previously recorded hash flags the mapping as
// conflict but the write still proceeds — the caller's value is authoritative.
func (w *Writer) Upsert(ctx context.Context, req WriteRequest) (UpsertResult, error) {
	if req.Excluded {
		if !req.DryRun {
			if err := w.persistMapping(ctx, req, "", SyncPending, true, nil); err != nil {
				return UpsertResult{}, err
			}
		}
		return UpsertResult{Status: WriteSkipped}, nil
	}

	hash := secrets.HashValue(string(req.Value))

	conflict := false
	prev, found, err := w.mappings.GetMapping(ctx, req.ProjectID, req.Name)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("loading mapping for %s: %w", req.Name, err)
	}
	if found && prev.ValueHash != "" && prev.ValueHash != hash {
		conflict = true
		w.logger.WarnContext(ctx, "value hash changed since last sync",
			slog.String("secret", req.Name),
			slog.String("scope", req.Scope.String()),
		)
	}

	if req.DryRun {
		w.logger.InfoContext(ctx, "dry-run: would upsert secret",
			slog.String("secret", req.TargetName),
			slog.String("scope", req.Scope.String()),
			slog.Bool("conflict", conflict),
		)
		return UpsertResult{Status: WriteWritten, Hash: hash, Conflict: conflict}, nil
	}

	writeErr := w.writeWithRetry(ctx, req)

	status := SyncSynced
	if conflict {
		status = SyncConflict
	}
	if writeErr != nil {
		status = SyncFailed
	}
	if err := w.persistMapping(ctx, req, hash, status, false, writeErr); err != nil {
		w.logger.ErrorContext(ctx, "persisting mapping failed",
			slog.String("secret", req.Name),
			slog.String("error", err.Error()),
		)
	}

	if writeErr != nil {
		return UpsertResult{Status: WriteFailed, Hash: hash, Conflict: conflict}, writeErr
	}
	return UpsertResult{Status: WriteWritten, Hash: hash, Conflict: conflict}, nil
}

// writeWithRetry encrypts and upserts, retrying transient failures with
// bounded exponential backoff. A stale-key rejection invalidates the cached
// key and earns exactly one immediate retry with a fresh key.
func (w *Writer) writeWithRetry(ctx context.Context, req WriteRequest) error {
	keyRefreshed := false
	delay := retryBase

	for attempt := 1; ; attempt++ {
		sealed, err := w.enc.EncryptFor(ctx, req.Scope, string(req.Value))
		if err != nil {
			return err
		}

		err = w.client.UpsertSecret(ctx, req.Scope, req.TargetName, github.EncryptedSecret{
			EncryptedValue: sealed.Ciphertext,
			KeyID:          sealed.KeyID,
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, github.ErrStaleKey) {
			if keyRefreshed {
				return fmt.Errorf("%w: %v", sealbox.ErrEncryptionFailure, err)
			}
			keyRefreshed = true
			w.enc.Invalidate(req.Scope, sealed.KeyID)
			continue
		}

		if !github.IsRetryable(err) || attempt >= retryAttempts {
			return err
		}

		wait := delay
		var secondary *github.SecondaryRateLimitError
		if errors.As(err, &secondary) {
			wait = secondary.RetryAfter
		}
		w.logger.WarnContext(ctx, "retrying scope write",
			slog.String("secret", req.TargetName),
			slog.String("scope", req.Scope.String()),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
		)
		if err := w.sleep(ctx, wait); err != nil {
			return err
		}
		delay *= retryMult
	}
}

func (w *Writer) persistMapping(ctx context.Context, req WriteRequest, hash string, status SyncStatus, excluded bool, writeErr error) error {
	now := time.Now().UTC()
	mapping, found, err := w.mappings.GetMapping(ctx, req.ProjectID, req.Name)
	if err != nil {
		return err
	}
	if !found {
		mapping = SecretMapping{
			ID:         uuid.New(),
			ProjectID:  req.ProjectID,
			SecretName: req.Name,
			SyncStatus: SyncPending,
		}
	}

	mapping.IsExcluded = excluded
	if !excluded {
		mapping.SourceScope = req.Scope.String()
		mapping.TargetScopes = appendScope(mapping.TargetScopes, req.Scope.String())
		mapping.ValueHash = hash
		mapping.SyncStatus = status
		if status == SyncSynced || status == SyncConflict {
			mapping.LastSyncedAt = &now
		}
		if writeErr != nil {
			mapping.ErrorMessage = redact.String(writeErr.Error())
		} else {
			mapping.ErrorMessage = ""
		}
	}
	return w.mappings.UpsertMapping(ctx, mapping)
}

func appendScope(scopes []string, scope string) []string {
	for _, s := range scopes {
		if s == scope {
			return scopes
		}
	}
	return append(scopes, scope)
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
