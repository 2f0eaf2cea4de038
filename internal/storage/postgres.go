package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// maxOutputLine caps each persisted output line.
const maxOutputLine = 65535

var schema = []string{
	`CREATE TABLE IF NOT EXISTS executions (
		id                 TEXT PRIMARY KEY,
		client_id          TEXT NOT NULL,
		agent_id           TEXT NOT NULL DEFAULT '',
		session_id         TEXT NOT NULL DEFAULT '',
		language           TEXT NOT NULL,
		code               TEXT NOT NULL,
		code_hash          TEXT NOT NULL,
		status             TEXT NOT NULL,
		output             TEXT[] NOT NULL DEFAULT '{}',
		result             JSONB,
		error              JSONB,
		execution_time_ms  BIGINT NOT NULL DEFAULT 0,
		memory_usage_bytes BIGINT NOT NULL DEFAULT 0,
		compute_units      DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost               DOUBLE PRECISION NOT NULL DEFAULT 0,
		tier               TEXT NOT NULL,
		environment        TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		started_at         TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS executions_client_created_idx ON executions (client_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id                  TEXT PRIMARY KEY,
		name                TEXT NOT NULL,
		description         TEXT NOT NULL DEFAULT '',
		owner_id            TEXT NOT NULL,
		collaborators       TEXT[] NOT NULL DEFAULT '{}',
		is_public           BOOLEAN NOT NULL DEFAULT false,
		files               JSONB NOT NULL DEFAULT '[]',
		environment         TEXT NOT NULL DEFAULT '',
		storage_usage_bytes BIGINT NOT NULL DEFAULT 0,
		expires_at          TIMESTAMPTZ,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_owner_idx ON sessions (owner_id)`,
	`CREATE INDEX IF NOT EXISTS sessions_expires_idx ON sessions (expires_at) WHERE expires_at IS NOT NULL`,
}

// PoolOptions tunes the connection pool. Zero values keep pgx defaults.
type PoolOptions struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// DB is the PostgreSQL implementation of ExecutionStore and SessionStore.
type DB struct {
	pool *pgxpool.Pool
}

var (
	_ ExecutionStore = (*DB)(nil)
	_ SessionStore   = (*DB)(nil)
	_ ExecutionStore = (*Memory)(nil)
	_ SessionStore   = (*Memory)(nil)
)

// New creates a new database connection pool and applies the schema.
func New(ctx context.Context, dsn string, opts PoolOptions) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		config.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = opts.ConnMaxLifetime
	}
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Msg("connected to PostgreSQL")
	return db, nil
}

// Migrate creates tables and indexes that do not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
	}
	return nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

const executionColumns = `id, client_id, agent_id, session_id, language, code, code_hash, status,
	output, result, error, execution_time_ms, memory_usage_bytes, compute_units, cost,
	tier, environment, created_at, started_at, completed_at`

const executionWhere = `
	WHERE ($1 = '' OR client_id = $1)
	  AND ($2 = '' OR language = $2)
	  AND ($3 = '' OR status = $3)
	  AND ($4::timestamptz IS NULL OR created_at >= $4)
	  AND ($5::timestamptz IS NULL OR created_at < $5)`

func filterArgs(f ExecutionFilter) []any {
	return []any{f.ClientID, f.Language, string(f.Status), f.Since, f.Until}
}

func (db *DB) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	result, errJSON, err := encodeOutcome(rec)
	if err != nil {
		return err
	}

	query := `INSERT INTO executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err = db.pool.Exec(ctx, query,
		rec.ID, rec.ClientID, rec.AgentID, rec.SessionID, rec.Language, rec.Code, rec.CodeHash,
		string(rec.Status), truncateOutput(rec.Output), result, errJSON,
		rec.ExecutionTimeMs, rec.MemoryUsageBytes, rec.ComputeUnits, rec.Cost,
		rec.Tier, rec.Environment, rec.CreatedAt, rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}
	return nil
}

func (db *DB) TransitionExecution(ctx context.Context, rec *ExecutionRecord, from ...ExecutionStatus) error {
	result, errJSON, err := encodeOutcome(rec)
	if err != nil {
		return err
	}
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	query := `
		UPDATE executions SET
			status = $2, output = $3, result = $4, error = $5,
			execution_time_ms = $6, memory_usage_bytes = $7, compute_units = $8, cost = $9,
			tier = $10, environment = $11, started_at = $12, completed_at = $13
		WHERE id = $1 AND status = ANY($14)`

	tag, err := db.pool.Exec(ctx, query,
		rec.ID, string(rec.Status), truncateOutput(rec.Output), result, errJSON,
		rec.ExecutionTimeMs, rec.MemoryUsageBytes, rec.ComputeUnits, rec.Cost,
		rec.Tier, rec.Environment, rec.StartedAt, rec.CompletedAt, allowed,
	)
	if err != nil {
		return fmt.Errorf("updating execution %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var status string
	err = db.pool.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, rec.ID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("execution %s: %w", rec.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("querying execution %s: %w", rec.ID, err)
	}
	return fmt.Errorf("execution %s is %s: %w", rec.ID, status, ErrConflict)
}

// GetExecution retrieves a single execution by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id)
	rec, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return rec, nil
}

// ListExecutions queries executions with optional filters, newest first.
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions` + executionWhere + `
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7`

	args := append(filterArgs(filter), filter.limit(), max(filter.Offset, 0))
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	results := []ExecutionRecord{}
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

func (db *DB) AggregateExecutions(ctx context.Context, filter ExecutionFilter) (*UsageStats, error) {
	stats := newUsageStats()
	args := filterArgs(filter)

	query := `
		SELECT count(*),
			count(*) FILTER (WHERE status = 'COMPLETED'),
			count(*) FILTER (WHERE status = 'FAILED'),
			COALESCE(SUM(execution_time_ms), 0)::bigint,
			COALESCE(SUM(memory_usage_bytes), 0)::bigint,
			COALESCE(SUM(compute_units), 0)::float8,
			COALESCE(SUM(cost), 0)::float8
		FROM executions` + executionWhere

	err := db.pool.QueryRow(ctx, query, args...).Scan(
		&stats.TotalExecutions, &stats.Completed, &stats.Failed,
		&stats.TotalExecutionTimeMs, &stats.TotalMemoryBytes,
		&stats.TotalComputeUnits, &stats.TotalCost,
	)
	if err != nil {
		return nil, fmt.Errorf("aggregating executions: %w", err)
	}
	stats.Pending = stats.TotalExecutions - stats.Completed - stats.Failed

	for column, dst := range map[string]map[string]int64{"language": stats.ByLanguage, "tier": stats.ByTier} {
		if err := db.countBy(ctx, column, args, dst); err != nil {
			return nil, err
		}
	}
	stats.finish()
	return stats, nil
}

// countBy fills dst with row counts grouped by column. column is never user input.
func (db *DB) countBy(ctx context.Context, column string, args []any, dst map[string]int64) error {
	query := `SELECT ` + column + `, count(*) FROM executions` + executionWhere + ` GROUP BY ` + column

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("grouping executions by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scanning %s group: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

const sessionColumns = `id, name, description, owner_id, collaborators, is_public, files,
	environment, storage_usage_bytes, expires_at, created_at, updated_at`

func (db *DB) CreateSession(ctx context.Context, s *Session) error {
	files, err := json.Marshal(nonNil(s.Files))
	if err != nil {
		return fmt.Errorf("encoding session files: %w", err)
	}

	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = db.pool.Exec(ctx, query,
		s.ID, s.Name, s.Description, s.OwnerID, nonNil(s.Collaborators), s.IsPublic, files,
		s.Environment, s.StorageUsageBytes, s.ExpiresAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (db *DB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return s, nil
}

func (db *DB) UpdateSession(ctx context.Context, s *Session) error {
	files, err := json.Marshal(nonNil(s.Files))
	if err != nil {
		return fmt.Errorf("encoding session files: %w", err)
	}

	query := `
		UPDATE sessions SET
			name = $2, description = $3, collaborators = $4, is_public = $5, files = $6,
			environment = $7, storage_usage_bytes = $8, expires_at = $9, updated_at = $10
		WHERE id = $1`

	tag, err := db.pool.Exec(ctx, query,
		s.ID, s.Name, s.Description, nonNil(s.Collaborators), s.IsPublic, files,
		s.Environment, s.StorageUsageBytes, s.ExpiresAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating session %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", s.ID, ErrNotFound)
	}
	return nil
}

func (db *DB) DeleteSession(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE ($1 = '' OR owner_id = $1 OR $1 = ANY(collaborators))
		  AND (NOT $2 OR is_public)
		ORDER BY updated_at DESC`

	rows, err := db.pool.Query(ctx, query, filter.MemberID, filter.PublicOnly)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (db *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var status string
	var result, errJSON []byte
	if err := row.Scan(
		&rec.ID, &rec.ClientID, &rec.AgentID, &rec.SessionID, &rec.Language, &rec.Code, &rec.CodeHash,
		&status, &rec.Output, &result, &errJSON,
		&rec.ExecutionTimeMs, &rec.MemoryUsageBytes, &rec.ComputeUnits, &rec.Cost,
		&rec.Tier, &rec.Environment, &rec.CreatedAt, &rec.StartedAt, &rec.CompletedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = ExecutionStatus(status)
	if len(result) > 0 {
		if err := json.Unmarshal(result, &rec.Result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
	}
	if len(errJSON) > 0 {
		rec.Error = &ErrorDetail{}
		if err := json.Unmarshal(errJSON, rec.Error); err != nil {
			return nil, fmt.Errorf("decoding error detail: %w", err)
		}
	}
	return &rec, nil
}

func scanSession(row scanner) (*Session, error) {
	var s Session
	var files []byte
	if err := row.Scan(
		&s.ID, &s.Name, &s.Description, &s.OwnerID, &s.Collaborators, &s.IsPublic, &files,
		&s.Environment, &s.StorageUsageBytes, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(files, &s.Files); err != nil {
		return nil, fmt.Errorf("decoding session files: %w", err)
	}
	return &s, nil
}

// encodeOutcome marshals the JSONB columns. A nil value stays SQL NULL.
func encodeOutcome(rec *ExecutionRecord) (result, errJSON []byte, err error) {
	if rec.Result != nil {
		if result, err = json.Marshal(rec.Result); err != nil {
			return nil, nil, fmt.Errorf("encoding result: %w", err)
		}
	}
	if rec.Error != nil {
		if errJSON, err = json.Marshal(rec.Error); err != nil {
			return nil, nil, fmt.Errorf("encoding error detail: %w", err)
		}
	}
	return result, errJSON, nil
}

func truncateOutput(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		if len(l) > maxOutputLine {
			l = l[:maxOutputLine]
		}
		out[i] = l
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
