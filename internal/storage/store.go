package storage

import (
	"context"
	"time"
)

// ExecutionStore persists execution records. TransitionExecution is a
// conditional update: it only applies when the stored status is one of from,
// returning ErrConflict otherwise and ErrNotFound for an unknown id.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, rec *ExecutionRecord) error
	TransitionExecution(ctx context.Context, rec *ExecutionRecord, from ...ExecutionStatus) error
	GetExecution(ctx context.Context, id string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error)
	AggregateExecutions(ctx context.Context, filter ExecutionFilter) (*UsageStats, error)
}

// SessionStore persists sessions together with their files.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)
}
