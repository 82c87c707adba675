// Package events publishes appended ledger entries to downstream consumers.
// Publishing is best effort; a transfer never waits on it or fails because of it.
package events

import (
	"time"

	"remit/internal/ledger/models"
)

// Event types.
const (
	TypeTransferCompleted = "transfer.completed"
	TypeTransferFailed    = "transfer.failed"
)

// Event is the wire form of an appended ledger entry.
type Event struct {
	Type                   string    `json:"type"`
	TransactionID          string    `json:"transaction_id"`
	IdempotencyKey         string    `json:"idempotency_key"`
	Seq                    int64     `json:"seq"`
	SenderID               string    `json:"sender_id"`
	RecipientID            string    `json:"recipient_id"`
	Amount                 int64     `json:"amount"`
	TransferType           string    `json:"transfer_type"`
	Status                 string    `json:"status"`
	FailureReason          string    `json:"failure_reason,omitempty"`
	Compensated            bool      `json:"compensated,omitempty"`
	ReconciliationRequired bool      `json:"reconciliation_required,omitempty"`
	OccurredAt             time.Time `json:"occurred_at"`
}

// FromTransaction builds the event for an appended entry.
func FromTransaction(tx *models.Transaction) Event {
	typ := TypeTransferCompleted
	if !tx.IsCompleted() {
		typ = TypeTransferFailed
	}
	return Event{
		Type:                   typ,
		TransactionID:          tx.ID.String(),
		IdempotencyKey:         tx.IdempotencyKey,
		Seq:                    tx.Seq,
		SenderID:               tx.SenderID.String(),
		RecipientID:            tx.RecipientID.String(),
		Amount:                 tx.Amount,
		TransferType:           string(tx.Type),
		Status:                 string(tx.Status),
		FailureReason:          tx.FailureReason,
		Compensated:            tx.Compensated,
		ReconciliationRequired: tx.ReconciliationRequired,
		OccurredAt:             tx.CreatedAt,
	}
}
