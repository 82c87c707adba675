package tx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context so stores called inside a unit of
// work share it.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Executor is the subset of *sql.DB and *sql.Tx used by stores.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ExecutorFrom returns the transaction carried by ctx, falling back to db.
func ExecutorFrom(ctx context.Context, db *sql.DB) Executor {
	if tx, ok := From(ctx); ok {
		return tx
	}
	return db
}

const statementSavepoint = "remit_statement"

// Guard runs fn against the transaction carried by ctx inside a savepoint. A
// failed statement is rolled back to the savepoint and the transaction stays
// usable, so the caller can still undo earlier writes or record the failure.
// Without a transaction fn runs against db.
func Guard(ctx context.Context, db *sql.DB, fn func(exec Executor) error) error {
	sqlTx, ok := From(ctx)
	if !ok {
		return fn(db)
	}
	if _, err := sqlTx.ExecContext(ctx, "SAVEPOINT "+statementSavepoint); err != nil {
		return fmt.Errorf("set savepoint: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		if _, rerr := sqlTx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+statementSavepoint); rerr != nil {
			return errors.Join(err, fmt.Errorf("roll back to savepoint: %w", rerr))
		}
		return err
	}
	if _, err := sqlTx.ExecContext(ctx, "RELEASE SAVEPOINT "+statementSavepoint); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}
