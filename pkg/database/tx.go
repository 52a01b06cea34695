package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type txKey struct{}

// WithinTx runs fn inside a transaction carried by the returned context.
// Repositories obtain it through Conn, so every statement issued with that
// context joins the same unit of work. A context that already carries a
// transaction is reused and the outermost caller decides commit or rollback.
func (db *DB) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.runTx(ctx, nil, fn)
}

// WithinSnapshot runs fn in a read-only REPEATABLE READ transaction, so
// every query inside fn sees the database as of its first statement.
func (db *DB) WithinSnapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.runTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (db *DB) runTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context) error) error {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Error().Err(rbErr).Msg("failed to rollback transaction")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Conn returns the transaction carried by ctx, or the pool when there is none.
func (db *DB) Conn(ctx context.Context) sqlx.ExtContext {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return db.DB
}

// TxFromContext extracts the transaction from ctx if present
func TxFromContext(ctx context.Context) *sqlx.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return nil
}
