package handler

import (
	"strings"

	"remit/internal/transfer/service"
	dErrors "remit/pkg/domain-errors"
	"remit/pkg/money"
)

// IdempotencyKeyHeader carries the client's idempotency key. It wins over the
// body field when both are set and agree.
const IdempotencyKeyHeader = "Idempotency-Key"

// TransferRequest is the body of POST /v1/transfers.
type TransferRequest struct {
	SenderAccountID  string `json:"sender_account_id"`
	RecipientContact string `json:"recipient_contact"`
	Amount           int64  `json:"amount"`
	Type             string `json:"type,omitempty"`
	IdempotencyKey   string `json:"idempotency_key,omitempty"`
}

func (r *TransferRequest) Validate() error {
	r.SenderAccountID = strings.TrimSpace(r.SenderAccountID)
	r.RecipientContact = strings.TrimSpace(r.RecipientContact)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	if r.SenderAccountID == "" {
		return dErrors.New(dErrors.CodeValidation, "sender_account_id is required")
	}
	if r.RecipientContact == "" {
		return dErrors.New(dErrors.CodeValidation, "recipient_contact is required")
	}
	return nil
}

// TransferResponse is what the sender sees of a transfer. The recipient's
// balance is not disclosed.
type TransferResponse struct {
	TransactionID        string `json:"transaction_id"`
	IdempotencyKey       string `json:"idempotency_key"`
	Status               string `json:"status"`
	SenderAccountID      string `json:"sender_account_id"`
	RecipientAccountID   string `json:"recipient_account_id"`
	Amount               int64  `json:"amount"`
	AmountDisplay        string `json:"amount_display"`
	SenderBalanceAfter   int64  `json:"sender_balance_after"`
	SenderBalanceDisplay string `json:"sender_balance_display"`
	Replayed             bool   `json:"replayed"`
}

func toResponse(res *service.Result) *TransferResponse {
	return &TransferResponse{
		TransactionID:        res.TransactionID.String(),
		IdempotencyKey:       res.IdempotencyKey,
		Status:               string(res.Status),
		SenderAccountID:      res.SenderID.String(),
		RecipientAccountID:   res.RecipientID.String(),
		Amount:               res.Amount,
		AmountDisplay:        money.Format(res.Amount),
		SenderBalanceAfter:   res.SenderBalanceAfter,
		SenderBalanceDisplay: money.Format(res.SenderBalanceAfter),
		Replayed:             res.Replayed,
	}
}
