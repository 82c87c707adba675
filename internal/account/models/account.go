package models

import (
	"strings"
	"time"

	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
)

// Status is the lifecycle status of an account.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusFrozen   Status = "frozen"
)

var validStatuses = map[Status]bool{
	StatusPending:  true,
	StatusApproved: true,
	StatusRejected: true,
	StatusFrozen:   true,
}

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	return validStatuses[s]
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusFrozen
}

// Account is a balance-holding record owned by one identity.
//
// Invariants:
//   - Balance >= 0 and TransferLimit >= 0, both in minor units
//   - Only Approved accounts take part in transfers
//   - Version increments on every balance mutation; writes supply the version they read
//   - OpeningBalance is fixed at provisioning
//   - Accounts are never deleted; Rejected and Frozen are terminal
type Account struct {
	ID             id.AccountID `json:"id"`
	OwnerID        id.OwnerID   `json:"owner_id"`
	Name           string       `json:"name"`
	Contact        string       `json:"contact"`
	AccountNumber  string       `json:"account_number"`
	Balance        int64        `json:"balance"`
	OpeningBalance int64        `json:"opening_balance"`
	TransferLimit  int64        `json:"transfer_limit"`
	Status         Status       `json:"status"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsTransferable reports whether the account may be debited or credited.
func (a *Account) IsTransferable() bool {
	return a.Status == StatusApproved
}

// OwnedBy reports whether owner is the account's owning identity.
func (a *Account) OwnedBy(owner id.OwnerID) bool {
	return !owner.IsNil() && a.OwnerID == owner
}

// Provision describes an account handed over by the approval workflow.
type Provision struct {
	ID            id.AccountID
	OwnerID       id.OwnerID
	Name          string
	Contact       string
	AccountNumber string
	Balance       int64
	TransferLimit int64
	Status        Status
}

// NewAccount validates a provision and builds the account at version 1.
func NewAccount(p Provision, now time.Time) (*Account, error) {
	if p.ID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "account id is required")
	}
	if p.OwnerID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "owner id is required")
	}
	contact := NormalizeContact(p.Contact)
	if contact == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "contact is required")
	}
	if p.Balance < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "balance cannot be negative")
	}
	if p.TransferLimit < 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "transfer limit cannot be negative")
	}
	status := p.Status
	if status == "" {
		status = StatusApproved
	}
	if !status.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "invalid account status")
	}
	return &Account{
		ID:             p.ID,
		OwnerID:        p.OwnerID,
		Name:           strings.TrimSpace(p.Name),
		Contact:        contact,
		AccountNumber:  p.AccountNumber,
		Balance:        p.Balance,
		OpeningBalance: p.Balance,
		TransferLimit:  p.TransferLimit,
		Status:         status,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// NormalizeContact reduces a phone-style contact key to its significant
// characters: digits and a leading '+'. Separators are dropped.
func NormalizeContact(contact string) string {
	contact = strings.TrimSpace(contact)
	var b strings.Builder
	for i, r := range contact {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return ""
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}
