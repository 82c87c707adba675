package models

import (
	"strings"
	"time"

	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
)

// Type classifies a transfer for history filtering.
type Type string

const (
	TypeTransfer Type = "transfer"
	TypePayment  Type = "payment"
)

// ParseType accepts a case-insensitive type name. Empty means TypeTransfer.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case "", TypeTransfer:
		return TypeTransfer, nil
	case TypePayment:
		return TypePayment, nil
	default:
		return "", dErrors.New(dErrors.CodeValidation, "type must be transfer or payment")
	}
}

// Status is the terminal status recorded for an entry.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Transaction is one immutable ledger entry.
//
// A completed entry moved Amount from sender to recipient and records both
// balances after the move. A failed entry records a transfer that got past the
// debit and was then undone (Compensated) or left for manual repair
// (ReconciliationRequired).
type Transaction struct {
	ID                     id.TransactionID `json:"id"`
	IdempotencyKey         string           `json:"idempotency_key"`
	Seq                    int64            `json:"seq"`
	SenderID               id.AccountID     `json:"sender_id"`
	RecipientID            id.AccountID     `json:"recipient_id"`
	Amount                 int64            `json:"amount"`
	Type                   Type             `json:"type"`
	Status                 Status           `json:"status"`
	FailureReason          string           `json:"failure_reason,omitempty"`
	Compensated            bool             `json:"compensated"`
	ReconciliationRequired bool             `json:"reconciliation_required"`
	SenderBalanceAfter     int64            `json:"sender_balance_after"`
	RecipientBalanceAfter  int64            `json:"recipient_balance_after"`
	CreatedAt              time.Time        `json:"created_at"`
}

// Involves reports whether the account is sender or recipient.
func (t *Transaction) Involves(accountID id.AccountID) bool {
	return t.SenderID == accountID || t.RecipientID == accountID
}

// IsCompleted reports whether funds moved.
func (t *Transaction) IsCompleted() bool {
	return t.Status == StatusCompleted
}

// Validate checks the fields an append requires.
func (t *Transaction) Validate() error {
	switch {
	case t.ID.IsNil():
		return dErrors.New(dErrors.CodeInvariantViolation, "transaction id is required")
	case t.IdempotencyKey == "":
		return dErrors.New(dErrors.CodeInvariantViolation, "idempotency key is required")
	case t.Amount <= 0:
		return dErrors.New(dErrors.CodeInvariantViolation, "amount must be positive")
	case t.SenderID == t.RecipientID:
		return dErrors.New(dErrors.CodeInvariantViolation, "sender and recipient must differ")
	case t.Status != StatusCompleted && t.Status != StatusFailed:
		return dErrors.New(dErrors.CodeInvariantViolation, "invalid transaction status")
	}
	return nil
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListQuery selects a page of history for one account.
// BeforeSeq 0 starts from the newest entry.
type ListQuery struct {
	Type      Type
	BeforeSeq int64
	Limit     int
}

// Normalize clamps the limit into range.
func (q ListQuery) Normalize() ListQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultPageSize
	}
	if q.Limit > MaxPageSize {
		q.Limit = MaxPageSize
	}
	if q.BeforeSeq < 0 {
		q.BeforeSeq = 0
	}
	return q
}

// Matches reports whether tx falls inside the query for accountID.
func (q ListQuery) Matches(accountID id.AccountID, tx *Transaction) bool {
	if !tx.Involves(accountID) {
		return false
	}
	if q.Type != "" && tx.Type != q.Type {
		return false
	}
	if q.BeforeSeq > 0 && tx.Seq >= q.BeforeSeq {
		return false
	}
	return true
}

// Page is one slice of history, newest first. NextBefore is the cursor for the
// following page, 0 when there is none.
type Page struct {
	Entries    []*Transaction `json:"entries"`
	NextBefore int64          `json:"next_before,omitempty"`
}
