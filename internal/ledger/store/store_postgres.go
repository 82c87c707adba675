package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"remit/internal/ledger/models"
	id "remit/pkg/domain"
	"remit/pkg/platform/sentinel"
	"remit/pkg/platform/tx"
)

// PostgresStore persists the ledger in PostgreSQL. The idempotency key carries
// a unique constraint; seq is a BIGSERIAL that fixes append order.
//
// Appends take one transaction-level advisory lock before seq is drawn, so
// entries commit in seq order and a reader paging by seq never sees a lower
// seq appear behind one it already read. Appends serialize until the appending
// unit commits.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed ledger.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// appendLockKey names the advisory lock that orders appends.
const appendLockKey int64 = 0x72656d6974

const transactionColumns = `seq, id, idempotency_key, sender_id, recipient_id, amount, type, status,
	failure_reason, compensated, reconciliation_required, sender_balance_after,
	recipient_balance_after, created_at`

// Append inserts entry. Inside a unit of work the insert runs in a savepoint,
// so a duplicate key leaves the unit usable.
func (s *PostgresStore) Append(ctx context.Context, entry *models.Transaction) (*models.Transaction, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	query := `WITH ordered AS (SELECT pg_advisory_xact_lock($14::bigint))
		INSERT INTO ledger_transactions (id, idempotency_key, sender_id, recipient_id, amount, type,
		status, failure_reason, compensated, reconciliation_required, sender_balance_after,
		recipient_balance_after, created_at)
		SELECT $1::uuid, $2::text, $3::uuid, $4::uuid, $5::bigint, $6::text, $7::text, $8::text,
			$9::boolean, $10::boolean, $11::bigint, $12::bigint, $13::timestamptz
		FROM ordered
		RETURNING seq`
	var seq int64
	err := tx.Guard(ctx, s.db, func(exec tx.Executor) error {
		return exec.QueryRowContext(ctx, query,
			uuid.UUID(entry.ID),
			entry.IdempotencyKey,
			uuid.UUID(entry.SenderID),
			uuid.UUID(entry.RecipientID),
			entry.Amount,
			string(entry.Type),
			string(entry.Status),
			entry.FailureReason,
			entry.Compensated,
			entry.ReconciliationRequired,
			entry.SenderBalanceAfter,
			entry.RecipientBalanceAfter,
			entry.CreatedAt,
			appendLockKey,
		).Scan(&seq)
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "ledger_transactions_idempotency_key_key" {
			return nil, sentinel.ErrAlreadyUsed
		}
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	out := *entry
	out.Seq = seq
	return &out, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions WHERE idempotency_key = $1`
	entry, err := scanTransaction(tx.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) ListFor(ctx context.Context, accountID id.AccountID, query models.ListQuery) (*models.Page, error) {
	query = query.Normalize()
	sqlQuery := `SELECT ` + transactionColumns + ` FROM ledger_transactions
		WHERE (sender_id = $1 OR recipient_id = $1)
		  AND ($2::text = '' OR type = $2::text)
		  AND ($3::bigint = 0 OR seq < $3::bigint)
		ORDER BY seq DESC
		LIMIT $4`
	// One extra row tells whether another page exists.
	entries, err := s.list(ctx, "list ledger entries", sqlQuery,
		uuid.UUID(accountID), string(query.Type), query.BeforeSeq, query.Limit+1)
	if err != nil {
		return nil, err
	}
	page := &models.Page{Entries: entries}
	if len(entries) > query.Limit {
		page.Entries = entries[:query.Limit]
		page.NextBefore = page.Entries[query.Limit-1].Seq
	}
	if page.Entries == nil {
		page.Entries = []*models.Transaction{}
	}
	return page, nil
}

// ListReconciliation returns entries flagged for manual repair, oldest first.
func (s *PostgresStore) ListReconciliation(ctx context.Context) ([]*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM ledger_transactions
		WHERE reconciliation_required ORDER BY seq`
	return s.list(ctx, "list reconciliation entries", query)
}

// NetFlow sums completed credits minus completed debits for accountID.
func (s *PostgresStore) NetFlow(ctx context.Context, accountID id.AccountID) (int64, error) {
	query := `SELECT
		COALESCE(SUM(CASE WHEN recipient_id = $1 THEN amount ELSE 0 END), 0) -
		COALESCE(SUM(CASE WHEN sender_id = $1 THEN amount ELSE 0 END), 0)
		FROM ledger_transactions
		WHERE status = $2 AND (sender_id = $1 OR recipient_id = $1)`
	var net int64
	if err := tx.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query,
		uuid.UUID(accountID), string(models.StatusCompleted)).Scan(&net); err != nil {
		return 0, fmt.Errorf("sum ledger flow: %w", err)
	}
	return net, nil
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := tx.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanTransaction(row interface{ Scan(dest ...any) error }) (*models.Transaction, error) {
	var (
		entry       models.Transaction
		txID        uuid.UUID
		senderID    uuid.UUID
		recipientID uuid.UUID
		typ         string
		status      string
	)
	if err := row.Scan(
		&entry.Seq,
		&txID,
		&entry.IdempotencyKey,
		&senderID,
		&recipientID,
		&entry.Amount,
		&typ,
		&status,
		&entry.FailureReason,
		&entry.Compensated,
		&entry.ReconciliationRequired,
		&entry.SenderBalanceAfter,
		&entry.RecipientBalanceAfter,
		&entry.CreatedAt,
	); err != nil {
		return nil, err
	}
	entry.ID = id.TransactionID(txID)
	entry.SenderID = id.AccountID(senderID)
	entry.RecipientID = id.AccountID(recipientID)
	entry.Type = models.Type(typ)
	entry.Status = models.Status(status)
	return &entry, nil
}
