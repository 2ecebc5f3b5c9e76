// Package store holds the pgx repositories for the durable state the
// scheduler and engine read and write: campaigns, queued runs, workflow runs
// and usage cycles. Repositories are narrow; callers compose the ones they
// need and drive multi-row admissions through a single transaction via
// WithTx.
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Sentinel errors callers branch on.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned on a unique-constraint violation, e.g. a
	// second QueuedRun for the same (campaign, source, retry) triple.
	ErrDuplicate = errors.New("store: duplicate")

	// ErrStateConflict is returned when a compare-and-set state update
	// matched no row, meaning another worker got there first.
	ErrStateConflict = errors.New("store: state conflict")
)

// DB is the database interface the repositories use. Both *pgxpool.Pool and
// *pgx.Conn satisfy it, as does pgx.Tx, which is what makes WithTx work.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// InTx runs fn inside one transaction, committing on nil and rolling back on
// error. The admission loop uses this so a failed dispatch rolls the queued
// run back to queued.
func InTx(ctx context.Context, db DB, fn func(tx pgx.Tx) error) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// isDuplicateKeyError checks for a PostgreSQL unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
