package handler

import (
	"time"

	"remit/internal/account/models"
	ledgermodels "remit/internal/ledger/models"
	id "remit/pkg/domain"
	"remit/pkg/money"
)

// AccountResponse is the owner's view of an account.
type AccountResponse struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Contact              string    `json:"contact"`
	AccountNumber        string    `json:"account_number"`
	Balance              int64     `json:"balance"`
	BalanceDisplay       string    `json:"balance_display"`
	TransferLimit        int64     `json:"transfer_limit"`
	TransferLimitDisplay string    `json:"transfer_limit_display"`
	Status               string    `json:"status"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func toAccountResponse(a *models.Account) *AccountResponse {
	return &AccountResponse{
		ID:                   a.ID.String(),
		Name:                 a.Name,
		Contact:              a.Contact,
		AccountNumber:        a.AccountNumber,
		Balance:              a.Balance,
		BalanceDisplay:       money.Format(a.Balance),
		TransferLimit:        a.TransferLimit,
		TransferLimitDisplay: money.Format(a.TransferLimit),
		Status:               string(a.Status),
		UpdatedAt:            a.UpdatedAt,
	}
}

// Entry directions relative to the account whose history is listed.
const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"
)

// EntryResponse is one ledger entry seen from one side of the transfer.
type EntryResponse struct {
	ID                     string    `json:"id"`
	Seq                    int64     `json:"seq"`
	Type                   string    `json:"type"`
	Status                 string    `json:"status"`
	Direction              string    `json:"direction"`
	CounterpartyAccountID  string    `json:"counterparty_account_id"`
	Amount                 int64     `json:"amount"`
	AmountDisplay          string    `json:"amount_display"`
	BalanceAfter           int64     `json:"balance_after"`
	Compensated            bool      `json:"compensated,omitempty"`
	ReconciliationRequired bool      `json:"reconciliation_required,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

// HistoryResponse is one page of history. Pass NextBefore as ?before= for the
// following page.
type HistoryResponse struct {
	Entries    []*EntryResponse `json:"entries"`
	NextBefore int64            `json:"next_before,omitempty"`
}

func toHistoryResponse(accountID id.AccountID, page *ledgermodels.Page) *HistoryResponse {
	resp := &HistoryResponse{
		Entries:    make([]*EntryResponse, 0, len(page.Entries)),
		NextBefore: page.NextBefore,
	}
	for _, tx := range page.Entries {
		entry := &EntryResponse{
			ID:                     tx.ID.String(),
			Seq:                    tx.Seq,
			Type:                   string(tx.Type),
			Status:                 string(tx.Status),
			Amount:                 tx.Amount,
			AmountDisplay:          money.Format(tx.Amount),
			Compensated:            tx.Compensated,
			ReconciliationRequired: tx.ReconciliationRequired,
			CreatedAt:              tx.CreatedAt,
		}
		if tx.SenderID == accountID {
			entry.Direction = DirectionDebit
			entry.CounterpartyAccountID = tx.RecipientID.String()
			entry.BalanceAfter = tx.SenderBalanceAfter
		} else {
			entry.Direction = DirectionCredit
			entry.CounterpartyAccountID = tx.SenderID.String()
			entry.BalanceAfter = tx.RecipientBalanceAfter
		}
		resp.Entries = append(resp.Entries, entry)
	}
	return resp
}
