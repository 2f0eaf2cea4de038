// Package ledger records the lifecycle and billing of every dispatched
// execution. Rows are created PENDING before dispatch and only ever move
// forward: PENDING -> RUNNING -> COMPLETED|FAILED.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"exec-gateway/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Outcome is everything known about an execution once the worker answered
// (or failed to).
type Outcome struct {
	Success          bool
	Output           []string
	Result           any
	Error            *storage.ErrorDetail
	ExecutionTimeMs  int64
	MemoryUsageBytes int64
	ComputeUnits     float64
	Cost             float64
}

// Range is a half-open [From, To) interval on creation time. Zero bounds are
// open.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) filter(clientID string) storage.ExecutionFilter {
	f := storage.ExecutionFilter{ClientID: clientID}
	if !r.From.IsZero() {
		from := r.From
		f.Since = &from
	}
	if !r.To.IsZero() {
		to := r.To
		f.Until = &to
	}
	return f
}

type Ledger struct {
	store storage.ExecutionStore
	now   func() time.Time

	maxRetries int
	backoff    time.Duration
}

func New(store storage.ExecutionStore) *Ledger {
	return &Ledger{
		store:      store,
		now:        time.Now,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
	}
}

// CreatePending appends a new PENDING row. ID and CreatedAt are filled in
// when empty.
func (l *Ledger) CreatePending(ctx context.Context, rec *storage.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now().UTC()
	}
	if rec.Output == nil {
		rec.Output = []string{}
	}
	rec.Status = storage.StatusPending
	rec.StartedAt = nil
	rec.CompletedAt = nil

	if err := l.store.CreateExecution(ctx, rec); err != nil {
		return fmt.Errorf("creating pending execution %s: %w", rec.ID, err)
	}
	return nil
}

// MarkRunning moves a PENDING row to RUNNING.
func (l *Ledger) MarkRunning(ctx context.Context, id string) error {
	rec, err := l.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	started := l.now().UTC()
	rec.Status = storage.StatusRunning
	rec.StartedAt = &started

	if err := l.store.TransitionExecution(ctx, rec, storage.StatusPending); err != nil {
		return fmt.Errorf("marking execution %s running: %w", id, err)
	}
	return nil
}

// Finalize is the only terminal transition. It applies from PENDING or
// RUNNING, always sets CompletedAt and retries transient store failures.
func (l *Ledger) Finalize(ctx context.Context, id string, out Outcome) (*storage.ExecutionRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= l.maxRetries; attempt++ {
		rec, err := l.finalize(ctx, id, out)
		if err == nil {
			return rec, nil
		}
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrConflict) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err

		if attempt < l.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * l.backoff
			log.Warn().
				Err(err).
				Str("exec_id", id).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("ledger finalize failed, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	log.Error().Err(lastErr).Str("exec_id", id).Msg("ledger finalize failed permanently after retries")
	return nil, lastErr
}

func (l *Ledger) finalize(ctx context.Context, id string, out Outcome) (*storage.ExecutionRecord, error) {
	rec, err := l.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	completed := l.now().UTC()
	rec.Status = storage.StatusFailed
	if out.Success {
		rec.Status = storage.StatusCompleted
	}
	rec.Output = slices.Clone(out.Output)
	if rec.Output == nil {
		rec.Output = []string{}
	}
	rec.Result = out.Result
	rec.Error = out.Error
	rec.ExecutionTimeMs = max(out.ExecutionTimeMs, 0)
	rec.MemoryUsageBytes = max(out.MemoryUsageBytes, 0)
	rec.ComputeUnits = out.ComputeUnits
	rec.Cost = out.Cost
	rec.CompletedAt = &completed

	if err := l.store.TransitionExecution(ctx, rec, storage.StatusPending, storage.StatusRunning); err != nil {
		return nil, fmt.Errorf("finalizing execution %s: %w", id, err)
	}
	return rec, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*storage.ExecutionRecord, error) {
	return l.store.GetExecution(ctx, id)
}

// QueryUsage lists a client's executions in r, newest first.
func (l *Ledger) QueryUsage(ctx context.Context, clientID string, r Range, limit, offset int) ([]storage.ExecutionRecord, error) {
	f := r.filter(clientID)
	f.Limit = limit
	f.Offset = offset
	return l.store.ListExecutions(ctx, f)
}

// Aggregate summarizes a client's executions in r.
func (l *Ledger) Aggregate(ctx context.Context, clientID string, r Range) (*storage.UsageStats, error) {
	return l.store.AggregateExecutions(ctx, r.filter(clientID))
}
