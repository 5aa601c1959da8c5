package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/guyernest/taskvault/internal/storage"
	"github.com/guyernest/taskvault/internal/task"
)

const (
	// maxWriteAttempts bounds the optimistic-concurrency retry loop.
	maxWriteAttempts = 5

	// maxIDAttempts bounds ID regeneration on first-write collision. With
	// 122 bits of ID entropy a single collision is already astronomically
	// unlikely.
	maxIDAttempts = 3
)

// DefaultAnonymousOwner is the owner identity used when no subject, client
// or session identifier is available.
const DefaultAnonymousOwner = "anonymous"

// Limits holds the per-deployment security limits consulted before every
// mutation.
type Limits struct {
	// MaxTasksPerOwner caps live (non-expired) tasks per owner. 0 = unlimited.
	MaxTasksPerOwner int

	// DefaultTTL applies when a create request specifies no TTL.
	DefaultTTL time.Duration

	// MaxTTL clamps every requested TTL.
	MaxTTL time.Duration

	// MaxVariableBytes caps the canonical size of a single variable or
	// result value. Kept well under the document store's 400KB item
	// ceiling to leave headroom for key and metadata overhead.
	MaxVariableBytes int

	// AllowAnonymous permits task creation by the anonymous owner.
	AllowAnonymous bool

	// AnonymousOwner is the owner id treated as anonymous.
	AnonymousOwner string
}

// DefaultLimits returns the limits used when a deployment configures none.
func DefaultLimits() Limits {
	return Limits{
		MaxTasksPerOwner: 100,
		DefaultTTL:       1 * time.Hour,
		MaxTTL:           24 * time.Hour,
		MaxVariableBytes: 350 * 1024,
		AllowAnonymous:   false,
		AnonymousOwner:   DefaultAnonymousOwner,
	}
}

// Engine implements every task operation exactly once on top of the backend
// contract. It holds no locks and runs no background work of its own; all
// concurrent access to a record goes through write-if-version with bounded
// client-side retry.
type Engine struct {
	backend storage.Backend
	limits  Limits
	logger  *zap.Logger
	nowFn   func() time.Time
}

// New creates an engine over the given backend.
func New(backend storage.Backend, limits Limits, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits.AnonymousOwner == "" {
		limits.AnonymousOwner = DefaultAnonymousOwner
	}
	return &Engine{
		backend: backend,
		limits:  limits,
		logger:  logger,
		nowFn:   time.Now,
	}
}

// DeriveOwner resolves the owner identity from auth context, in priority
// order: authenticated subject claim, client identifier, session identifier.
// The result is fixed at creation and never re-derived.
func DeriveOwner(subject, clientID, sessionID string) string {
	switch {
	case subject != "":
		return subject
	case clientID != "":
		return clientID
	case sessionID != "":
		return sessionID
	}
	return DefaultAnonymousOwner
}

// CreateOptions carries the caller-controlled parts of a create request.
type CreateOptions struct {
	// TTL requested lifetime; zero means the configured default, and every
	// value is clamped to the configured maximum.
	TTL time.Duration

	// Variables seeds the task's variable map. Null values are ignored.
	Variables map[string]json.RawMessage

	// RequestMethod is the originating operation name, kept for diagnostics.
	RequestMethod string
}

// Create builds and persists a new task for the owner. The record always
// starts in the working state at version 0.
func (e *Engine) Create(ctx context.Context, ownerID string, opts CreateOptions) (*task.Record, error) {
	if ownerID == "" {
		ownerID = e.limits.AnonymousOwner
	}
	if ownerID == e.limits.AnonymousOwner && !e.limits.AllowAnonymous {
		return nil, ErrAnonymousNotAllowed
	}

	if err := e.checkValueSizes(opts.Variables); err != nil {
		return nil, err
	}
	if err := e.checkOwnerQuota(ctx, ownerID); err != nil {
		return nil, err
	}

	now := e.nowFn()
	rec := task.New(ownerID, opts.RequestMethod)
	rec.Stamp(now, e.clampTTL(opts.TTL))
	rec.Variables = task.MergeVariables(nil, opts.Variables)

	data, err := task.Encode(rec)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		err = e.backend.Write(ctx, ownerID, rec.ID, data, rec.ExpiryTime())
		if err == nil {
			e.logger.Debug("task created",
				zap.String("task_id", rec.ID),
				zap.String("owner_id", ownerID),
				zap.Time("expires_at", rec.ExpiryTime()),
			)
			return rec, nil
		}
		if !errors.Is(err, storage.ErrKeyExists) {
			return nil, e.backendErr("create", err)
		}
		// Key collision: regenerate and try again.
		rec.RegenerateID()
		if data, err = task.Encode(rec); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: exhausted id generation attempts", ErrBackendUnavailable)
}

// Get retrieves a task. Absence, expiry and owner mismatch are all reported
// as ErrNotFound.
func (e *Engine) Get(ctx context.Context, ownerID, taskID string) (*task.Record, error) {
	return e.read(ctx, ownerID, taskID)
}

// UpdateStatus moves the task to a new status, subject to the state machine.
func (e *Engine) UpdateStatus(ctx context.Context, ownerID, taskID string, status task.Status) (*task.Record, error) {
	return e.mutate(ctx, ownerID, taskID, func(rec *task.Record) error {
		return transition(rec, status)
	})
}

// SetVariables merges a variable patch into the task: null deletes, any
// other value upserts, unmentioned keys stay.
func (e *Engine) SetVariables(ctx context.Context, ownerID, taskID string, vars map[string]json.RawMessage) (*task.Record, error) {
	if err := e.checkValueSizes(vars); err != nil {
		return nil, err
	}
	return e.mutate(ctx, ownerID, taskID, func(rec *task.Record) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: task is %s", ErrInvalidTransition, rec.Status)
		}
		rec.Variables = task.MergeVariables(rec.Variables, vars)
		return nil
	})
}

// SetResult stores a result on a still-running task without changing status.
func (e *Engine) SetResult(ctx context.Context, ownerID, taskID string, result json.RawMessage) (*task.Record, error) {
	if err := e.checkResultSize(result); err != nil {
		return nil, err
	}
	return e.mutate(ctx, ownerID, taskID, func(rec *task.Record) error {
		if rec.Status.Terminal() {
			return fmt.Errorf("%w: task is %s", ErrInvalidTransition, rec.Status)
		}
		rec.Result = task.Compact(result)
		return nil
	})
}

// CompleteWithResult sets the completed status and the result in one atomic
// write, so no reader can ever observe a terminal task without its result.
func (e *Engine) CompleteWithResult(ctx context.Context, ownerID, taskID string, result json.RawMessage) (*task.Record, error) {
	if err := e.checkResultSize(result); err != nil {
		return nil, err
	}
	return e.mutate(ctx, ownerID, taskID, func(rec *task.Record) error {
		if err := transition(rec, task.StatusCompleted); err != nil {
			return err
		}
		rec.Result = task.Compact(result)
		return nil
	})
}

// Cancel moves the task to cancelled. When a result accompanies the
// cancellation the task completes cleanly instead.
func (e *Engine) Cancel(ctx context.Context, ownerID, taskID string, result json.RawMessage) (*task.Record, error) {
	if !task.IsNull(result) {
		return e.CompleteWithResult(ctx, ownerID, taskID, result)
	}
	rec, err := e.mutate(ctx, ownerID, taskID, func(rec *task.Record) error {
		return transition(rec, task.StatusCancelled)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("task cancelled",
		zap.String("task_id", taskID),
		zap.String("owner_id", ownerID),
	)
	return rec, nil
}

// RequireInput merges a variable patch and moves the task to input_required
// in one atomic write. This is the pause half of a pause-and-handoff flow.
func (e *Engine) RequireInput(ctx context.Context, ownerID, taskID string, vars map[string]json.RawMessage) (*task.Record, error) {
	if err := e.checkValueSizes(vars); err != nil {
		return nil, err
	}
	return e.mutate(ctx, ownerID, taskID, func(rec *task.Record) error {
		if err := transition(rec, task.StatusInputRequired); err != nil {
			return err
		}
		rec.Variables = task.MergeVariables(rec.Variables, vars)
		return nil
	})
}

// Resume merges a variable patch (typically the supplied input) and moves
// the task back to working in one atomic write.
func (e *Engine) Resume(ctx context.Context, ownerID, taskID string, vars map[string]json.RawMessage) (*task.Record, error) {
	if err := e.checkValueSizes(vars); err != nil {
		return nil, err
	}
	return e.mutate(ctx, ownerID, taskID, func(rec *task.Record) error {
		if err := transition(rec, task.StatusWorking); err != nil {
			return err
		}
		rec.Variables = task.MergeVariables(rec.Variables, vars)
		return nil
	})
}

// CleanupExpired sweeps expired records out of the backend. A no-op for
// backends with native TTL. A host process is expected to call this on a
// timer.
func (e *Engine) CleanupExpired(ctx context.Context) (int, error) {
	removed, err := e.backend.ReapExpired(ctx, e.nowFn())
	if err != nil {
		return removed, e.backendErr("cleanup", err)
	}
	if removed > 0 {
		e.logger.Info("expired tasks reaped", zap.Int("count", removed))
	}
	return removed, nil
}

// read fetches and decodes a record, applying the unified not-found rule.
func (e *Engine) read(ctx context.Context, ownerID, taskID string) (*task.Record, error) {
	data, _, err := e.backend.Read(ctx, ownerID, taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, e.backendErr("read", err)
	}

	rec, err := task.Decode(data)
	if err != nil {
		return nil, err
	}
	// The composite key already scopes by owner; this guards against a
	// mis-keyed record.
	if rec.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if rec.Expired(e.nowFn()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// mutate runs the read-validate-apply-write cycle with optimistic retry.
func (e *Engine) mutate(ctx context.Context, ownerID, taskID string, apply func(*task.Record) error) (*task.Record, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		data, version, err := e.backend.Read(ctx, ownerID, taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, e.backendErr("read", err)
		}

		rec, err := task.Decode(data)
		if err != nil {
			return nil, err
		}
		if rec.OwnerID != ownerID || rec.Expired(e.nowFn()) {
			return nil, ErrNotFound
		}

		next := rec.Clone()
		if err := apply(next); err != nil {
			return nil, err
		}
		next.Version = version + 1

		encoded, err := task.Encode(next)
		if err != nil {
			return nil, err
		}

		_, err = e.backend.WriteIfVersion(ctx, ownerID, taskID, encoded, version, next.ExpiryTime())
		if err == nil {
			return next, nil
		}
		if actual, ok := storage.IsConflict(err); ok {
			e.logger.Debug("version conflict, retrying",
				zap.String("task_id", taskID),
				zap.Int64("expected", version),
				zap.Int64("actual", actual),
				zap.Int("attempt", attempt+1),
			)
			continue
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, e.backendErr("write", err)
	}

	e.logger.Warn("optimistic retry budget exhausted",
		zap.String("task_id", taskID),
		zap.String("owner_id", ownerID),
	)
	return nil, ErrConcurrentModification
}

// transition validates and applies a status change.
func transition(rec *task.Record, next task.Status) error {
	if !rec.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.Status, next)
	}
	rec.Status = next
	return nil
}

// clampTTL resolves a requested TTL against the deployment limits.
func (e *Engine) clampTTL(ttl time.Duration) time.Duration {
	if ttl == 0 {
		ttl = e.limits.DefaultTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	if e.limits.MaxTTL > 0 && ttl > e.limits.MaxTTL {
		ttl = e.limits.MaxTTL
	}
	return ttl
}

// checkValueSizes enforces the per-value size cap on a variable patch. The
// cap applies to the stored (compacted) form, so whitespace padding in the
// request neither inflates nor dodges it. Deletion markers are exempt.
func (e *Engine) checkValueSizes(vars map[string]json.RawMessage) error {
	if e.limits.MaxVariableBytes <= 0 {
		return nil
	}
	for key, v := range vars {
		if task.IsNull(v) {
			continue
		}
		if n := len(task.Compact(v)); n > e.limits.MaxVariableBytes {
			return fmt.Errorf("%w: %q is %d bytes, cap is %d", ErrVariableTooLarge, key, n, e.limits.MaxVariableBytes)
		}
	}
	return nil
}

func (e *Engine) checkResultSize(result json.RawMessage) error {
	if e.limits.MaxVariableBytes <= 0 {
		return nil
	}
	if n := len(task.Compact(result)); n > e.limits.MaxVariableBytes {
		return fmt.Errorf("%w: result is %d bytes, cap is %d", ErrVariableTooLarge, n, e.limits.MaxVariableBytes)
	}
	return nil
}

// checkOwnerQuota counts the owner's live tasks. Counting instead of a
// maintained counter trades read cost for one fewer source of races.
func (e *Engine) checkOwnerQuota(ctx context.Context, ownerID string) error {
	if e.limits.MaxTasksPerOwner <= 0 {
		return nil
	}

	ids, err := e.backend.ListOwner(ctx, ownerID)
	if err != nil {
		return e.backendErr("list", err)
	}

	live := 0
	for _, id := range ids {
		if _, err := e.read(ctx, ownerID, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // expired or vanished
			}
			return err
		}
		live++
		if live >= e.limits.MaxTasksPerOwner {
			return fmt.Errorf("%w: owner %q holds %d tasks", ErrLimitExceeded, ownerID, live)
		}
	}
	return nil
}

// backendErr maps backend I/O failures into the domain taxonomy, keeping the
// original cause attached.
func (e *Engine) backendErr(op string, err error) error {
	if errors.Is(err, storage.ErrUnavailable) {
		return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
