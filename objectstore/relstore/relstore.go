// Package relstore implements the relational half of the object store
// (spec §4.2): a transactional connection pool over Postgres exposing
// begin_tx/commit/rollback/query, backing the normalized tables listed
// in spec §6 (units, parenthood, inputs, outputs, messages, authors,
// authentifiers, balls, system_votes, tps_fees_balances, ...).
//
// Grounded on the teacher's node/store/db.go connection-scoping
// discipline (every code path that takes a connection returns it on
// every exit, including panics), re-pointed at
// github.com/jackc/pgx/v5 because the spec requires a genuine
// relational engine.
package relstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns a pooled connection to the relational backend.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn with the given maximum pool size. The spec
// requires database.max_connections >= 8; callers should validate that
// via config.Validate before calling Open.
func Open(ctx context.Context, dsn string, maxConnections int) (*Store, error) {
	if maxConnections < 8 {
		return nil, fmt.Errorf("relstore: max_connections must be >= 8, got %d (single-connection configurations convert any leaked operation into a full-node freeze)", maxConnections)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("relstore: parse dsn: %w", err)
	}
	cfg.MaxConns = int32(maxConnections)
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("relstore: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Tx wraps a single relational transaction. Callers MUST call either
// Commit or Rollback exactly once, typically via defer with a guard
// flag, so every exit path — including a panic recovered upstream —
// ends the transaction deterministically.
type Tx struct {
	pgxTx pgx.Tx
	done  bool
}

// BeginTx starts a new transaction on a pooled connection.
func (s *Store) BeginTx(ctx context.Context) (*Tx, error) {
	pgxTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("relstore: begin: %w", err)
	}
	return &Tx{pgxTx: pgxTx}, nil
}

// Commit ends the transaction with COMMIT. Per spec §4.2/§4.7 the
// caller MUST have already durably written any paired KV batch before
// calling Commit — the relational COMMIT is issued LAST.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return fmt.Errorf("relstore: tx already finished")
	}
	t.done = true
	if err := t.pgxTx.Commit(ctx); err != nil {
		return fmt.Errorf("relstore: commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe to call after Commit already
// ran (no-op) so defer-based cleanup never double-reports an error.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.pgxTx.Rollback(ctx); err != nil && err != pgx.ErrTxClosed {
		return fmt.Errorf("relstore: rollback: %w", err)
	}
	return nil
}

// Exec runs a statement with no expected result rows.
func (t *Tx) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := t.pgxTx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("relstore: exec: %w", err)
	}
	return nil
}

// Query runs a statement and returns its rows for the caller to scan.
func (t *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := t.pgxTx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("relstore: query: %w", err)
	}
	return rows, nil
}

// QueryRow runs a statement expected to return at most one row.
func (t *Tx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pgxTx.QueryRow(ctx, sql, args...)
}

// WithTx runs body inside a transaction, committing on success and
// rolling back on any error or panic — the scoped-acquisition pattern
// spec §5 requires for named locks, applied here to relational
// transactions so no caller can forget to end one.
func (s *Store) WithTx(ctx context.Context, body func(tx *Tx) error) (err error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			err = fmt.Errorf("relstore: panic in transaction: %v", r)
			return
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = tx.Commit(ctx)
	}()
	err = body(tx)
	return err
}
