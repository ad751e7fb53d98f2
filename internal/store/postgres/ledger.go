// Package postgres provides a Postgres-backed run ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/fineweb-news/internal/extract"
	"github.com/JakeFAU/fineweb-news/internal/store"
)

// Schema creates the ledger tables when missing.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            UUID PRIMARY KEY,
	dataset       TEXT NOT NULL,
	result        TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS subset_runs (
	run_id     UUID NOT NULL REFERENCES runs (id),
	subset     TEXT NOT NULL,
	state      TEXT NOT NULL,
	shards     INTEGER NOT NULL,
	row_count  BIGINT NOT NULL,
	uri        TEXT NOT NULL,
	error      TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, subset)
);`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Ledger implements store.Repository using Postgres.
type Ledger struct {
	pool pool
}

// New connects to Postgres and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l := &Ledger{pool: p}
	if err := l.Migrate(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return l, nil
}

// NewWithPool constructs a ledger from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Ledger{pool: p}, nil
}

// Migrate applies Schema.
func (l *Ledger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply ledger schema: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (l *Ledger) Close() {
	l.pool.Close()
}

// StartRun inserts a run in running status.
func (l *Ledger) StartRun(ctx context.Context, run store.Run) error {
	query := `
		INSERT INTO runs (id, dataset, result, started_at, status)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := l.pool.Exec(ctx, query, run.ID, run.Dataset, run.Result, run.StartedAt, string(store.RunRunning))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run as finished with a status and optional error message.
func (l *Ledger) FinishRun(
	ctx context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	res, err := l.pool.Exec(ctx, query, finishedAt, string(status), errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordSubset upserts the latest state of a subset within a run.
func (l *Ledger) RecordSubset(ctx context.Context, rec store.SubsetRun) error {
	query := `
		INSERT INTO subset_runs (run_id, subset, state, shards, row_count, uri, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (run_id, subset) DO UPDATE
		SET state = EXCLUDED.state,
			shards = EXCLUDED.shards,
			row_count = EXCLUDED.row_count,
			uri = EXCLUDED.uri,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := l.pool.Exec(ctx, query,
		rec.RunID,
		rec.Subset,
		string(rec.State),
		rec.Shards,
		rec.Rows,
		rec.URI,
		rec.Error,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record subset %s: %w", rec.Subset, err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (l *Ledger) GetRun(ctx context.Context, id uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, dataset, result, started_at, finished_at, status, error_message
		FROM runs
		WHERE id = $1;
	`
	var (
		run    store.Run
		status string
	)
	err := l.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.Dataset,
		&run.Result,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = store.RunStatus(status)
	return run, nil
}

// ListSubsets returns the subset records of a run in the order they were first recorded.
func (l *Ledger) ListSubsets(ctx context.Context, id uuid.UUID) ([]store.SubsetRun, error) {
	query := `
		SELECT run_id, subset, state, shards, row_count, uri, error, updated_at
		FROM subset_runs
		WHERE run_id = $1
		ORDER BY created_at, subset;
	`
	rows, err := l.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list subsets: %w", err)
	}
	defer rows.Close()

	var out []store.SubsetRun
	for rows.Next() {
		var (
			rec   store.SubsetRun
			state string
		)
		err := rows.Scan(
			&rec.RunID,
			&rec.Subset,
			&state,
			&rec.Shards,
			&rec.Rows,
			&rec.URI,
			&rec.Error,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subset row: %w", err)
		}
		rec.State = extract.SubsetState(state)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate subset rows: %w", err)
	}
	return out, nil
}
