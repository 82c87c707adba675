package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"remit/internal/account/models"
	id "remit/pkg/domain"
	"remit/pkg/platform/sentinel"
	"remit/pkg/platform/tx"
	"remit/pkg/requestcontext"
)

// PostgresStore persists accounts in PostgreSQL. Calls made inside a unit of
// work run on the transaction carried by the context.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed account store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, owner_id, name, contact, account_number, balance, opening_balance,
	transfer_limit, status, version, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, account *models.Account) error {
	if account == nil {
		return fmt.Errorf("account is required")
	}
	query := `INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := tx.ExecutorFrom(ctx, s.db).ExecContext(ctx, query,
		uuid.UUID(account.ID),
		uuid.UUID(account.OwnerID),
		account.Name,
		account.Contact,
		account.AccountNumber,
		account.Balance,
		account.OpeningBalance,
		account.TransferLimit,
		string(account.Status),
		account.Version,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyUsed
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, accountID id.AccountID) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	row := tx.ExecutorFrom(ctx, s.db).QueryRowContext(ctx, query, uuid.UUID(accountID))
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// ConditionalUpdate writes the balance only when the stored version still
// matches. A zero-row update is disambiguated into not-found or conflict. Inside
// a unit of work the statements run in a savepoint, so a failed write leaves
// the unit able to compensate.
func (s *PostgresStore) ConditionalUpdate(ctx context.Context, accountID id.AccountID, expectedVersion, newBalance int64) (int64, error) {
	if newBalance < 0 {
		return 0, sentinel.ErrInvalidState
	}
	var version int64
	err := tx.Guard(ctx, s.db, func(exec tx.Executor) error {
		var err error
		version, err = s.conditionalUpdate(ctx, exec, accountID, expectedVersion, newBalance)
		return err
	})
	return version, err
}

func (s *PostgresStore) conditionalUpdate(ctx context.Context, exec tx.Executor, accountID id.AccountID, expectedVersion, newBalance int64) (int64, error) {
	query := `UPDATE accounts SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
		RETURNING version`
	var version int64
	err := exec.QueryRowContext(ctx, query, newBalance, requestcontext.Now(ctx), uuid.UUID(accountID), expectedVersion).Scan(&version)
	if err == nil {
		return version, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		if isCheckViolation(err) {
			return 0, sentinel.ErrInvalidState
		}
		return 0, fmt.Errorf("update account balance: %w", err)
	}
	var exists bool
	if err := exec.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, uuid.UUID(accountID)).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check account existence: %w", err)
	}
	if !exists {
		return 0, sentinel.ErrNotFound
	}
	return 0, sentinel.ErrConflict
}

func (s *PostgresStore) FindByContact(ctx context.Context, contact string) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE contact = $1`
	return s.list(ctx, "find accounts by contact", query, contact)
}

// ListAll returns every account ordered by id.
func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts ORDER BY id`
	return s.list(ctx, "list accounts", query)
}

func (s *PostgresStore) list(ctx context.Context, op, query string, args ...any) ([]*models.Account, error) {
	rows, err := tx.ExecutorFrom(ctx, s.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

type accountRow interface {
	Scan(dest ...any) error
}

func scanAccount(row accountRow) (*models.Account, error) {
	var (
		acc       models.Account
		accountID uuid.UUID
		ownerID   uuid.UUID
		status    string
	)
	if err := row.Scan(
		&accountID,
		&ownerID,
		&acc.Name,
		&acc.Contact,
		&acc.AccountNumber,
		&acc.Balance,
		&acc.OpeningBalance,
		&acc.TransferLimit,
		&status,
		&acc.Version,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	acc.ID = id.AccountID(accountID)
	acc.OwnerID = id.OwnerID(ownerID)
	acc.Status = models.Status(status)
	return &acc, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}
