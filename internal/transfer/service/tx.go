package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	dErrors "remit/pkg/domain-errors"
	"remit/pkg/platform/tx"
)

// StoreTx is the unit-of-work boundary around one transfer attempt. Stores
// called with the context passed to fn take part in the unit.
type StoreTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ErrRolledBack reports that nothing fn wrote survived.
var ErrRolledBack = errors.New("unit of work rolled back")

// ErrCommitUnknown reports a commit whose result could not be confirmed.
var ErrCommitUnknown = errors.New("unit of work commit result unknown")

const defaultTxTimeout = 5 * time.Second

func boundContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		return ctx, func() {}, dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if timeout == 0 {
		timeout = defaultTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, cancel, nil
}

// inlineTx bounds fn by the unit timeout. Writers are serialized by the write
// intent held around the attempt; staged, when set, hides the writes of fn
// from readers until it returns.
type inlineTx struct {
	timeout time.Duration
	staged  StoreTx
}

// NewInlineTx returns the StoreTx used with in-memory stores. Pass the account
// store when it can stage writes (the in-memory store does); without it,
// readers may observe a debit before its credit.
func NewInlineTx(timeout time.Duration, staged StoreTx) StoreTx {
	return &inlineTx{timeout: timeout, staged: staged}
}

func (t *inlineTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel, err := boundContext(ctx, t.timeout)
	defer cancel()
	if err != nil {
		return err
	}
	if t.staged == nil {
		return fn(ctx)
	}
	if err := t.staged.RunInTx(ctx, fn); err != nil {
		return errors.Join(ErrRolledBack, err)
	}
	return nil
}

// PostgresTx runs fn inside a sql.Tx carried by the context.
type PostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresTx(db *sql.DB, timeout time.Duration) *PostgresTx {
	return &PostgresTx{db: db, timeout: timeout}
}

func (t *PostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel, err := boundContext(ctx, t.timeout)
	defer cancel()
	if err != nil {
		return err
	}

	sqlTx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return errors.Join(ErrRolledBack, err)
	}
	defer func() {
		_ = sqlTx.Rollback()
	}()

	if err := fn(tx.WithTx(ctx, sqlTx)); err != nil {
		return errors.Join(ErrRolledBack, err)
	}

	if err := sqlTx.Commit(); err != nil {
		// lib/pq rolls back before reporting a commit of a failed transaction.
		if errors.Is(err, pq.ErrInFailedTransaction) || errors.Is(err, sql.ErrTxDone) {
			return errors.Join(ErrRolledBack, err)
		}
		return errors.Join(ErrCommitUnknown, err)
	}
	return nil
}
