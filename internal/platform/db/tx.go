package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type contextKey string

// DBTxKey holds the active pgx.Tx on a request context.
const DBTxKey contextKey = "db_tx"

// ContextWithTx returns a copy of ctx carrying tx.
func ContextWithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, DBTxKey, tx)
}

// TxFromContext returns the transaction stored on ctx, or nil.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction on ctx when present, otherwise pool.
func Conn(ctx context.Context, pool Querier) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

// WithTx runs fn inside a transaction. If ctx already carries one, fn joins
// it and commit is left to the outer caller. fn receives a context that
// carries the transaction so nested repositories pick it up via Conn.
func WithTx(ctx context.Context, pool Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx := TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(ContextWithTx(ctx, tx), tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SQLSTATE codes the repositories translate into domain errors.
const (
	SQLStateUniqueViolation    = "23505"
	SQLStateExclusionViolation = "23P01"
	SQLStateSerialization      = "40001"
)

// HasSQLState reports whether err is a Postgres error with the given code.
func HasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
