package persistence

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of pgx shared by pools, connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// DB wraps the pgx pool with the transaction shapes the reporting core needs.
type DB struct {
	pool    txBeginner
	querier Querier
	pinger  interface{ Ping(context.Context) error }
	workMem string
}

type DBConfig struct {
	Pool *pgxpool.Pool
	// SnapshotWorkMem is applied with SET LOCAL inside snapshot transactions, e.g. "64MB".
	SnapshotWorkMem string
}

func NewDB(cfg DBConfig) *DB {
	if cfg.Pool == nil {
		panic("DB requires pool")
	}
	return &DB{pool: cfg.Pool, querier: cfg.Pool, pinger: cfg.Pool, workMem: strings.TrimSpace(cfg.SnapshotWorkMem)}
}

// Querier exposes the pool for single statements that need no transaction.
func (db *DB) Querier() Querier {
	return db.querier
}

// Ping checks that a pooled connection is usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.pinger.Ping(ctx)
}

// WithSnapshot runs fn inside a read-only REPEATABLE READ transaction so every statement
// sees the same committed state. The configured work_mem applies to this transaction only.
func (db *DB) WithSnapshot(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if db.workMem != "" {
		if _, err := tx.Exec(ctx, `SELECT set_config('work_mem', $1, true)`, db.workMem); err != nil {
			return fmt.Errorf("set work_mem: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// WithTx runs fn inside a read-write READ COMMITTED transaction.
func (db *DB) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
