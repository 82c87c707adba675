package service

import (
	"fmt"

	ledgermodels "remit/internal/ledger/models"
	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
)

// Request asks to move Amount minor units from SenderID to whoever is
// registered under RecipientContact. ActorID is the authenticated identity.
type Request struct {
	ActorID          id.OwnerID
	SenderID         id.AccountID
	RecipientContact string
	Amount           int64
	Type             ledgermodels.Type
	IdempotencyKey   string
}

// Result describes a completed transfer.
type Result struct {
	TransactionID         id.TransactionID
	IdempotencyKey        string
	Status                ledgermodels.Status
	SenderID              id.AccountID
	RecipientID           id.AccountID
	Amount                int64
	SenderBalanceAfter    int64
	RecipientBalanceAfter int64
	Replayed              bool
}

func resultFrom(entry *ledgermodels.Transaction, replayed bool) *Result {
	return &Result{
		TransactionID:         entry.ID,
		IdempotencyKey:        entry.IdempotencyKey,
		Status:                entry.Status,
		SenderID:              entry.SenderID,
		RecipientID:           entry.RecipientID,
		Amount:                entry.Amount,
		SenderBalanceAfter:    entry.SenderBalanceAfter,
		RecipientBalanceAfter: entry.RecipientBalanceAfter,
		Replayed:              replayed,
	}
}

// Outcome states what a failed transfer left behind.
type Outcome string

const (
	// OutcomeNone: no balance was changed.
	OutcomeNone Outcome = "none"
	// OutcomeCompensated: the debit was applied and then exactly undone.
	OutcomeCompensated Outcome = "compensated"
	// OutcomeReconciliationRequired: the undo failed; balances need manual repair.
	OutcomeReconciliationRequired Outcome = "reconciliation_required"
)

// Failure is the error returned by Transfer. It wraps a coded domain error so
// dErrors.HasCode and httputil.WriteError see its code.
type Failure struct {
	Code          dErrors.Code
	Outcome       Outcome
	TransactionID id.TransactionID
	Err           error
}

func (f *Failure) Error() string {
	if f.Outcome == OutcomeNone {
		return f.Err.Error()
	}
	return fmt.Sprintf("%v (outcome: %s)", f.Err, f.Outcome)
}

func (f *Failure) Unwrap() error { return f.Err }

// ErrorOutcome exposes the outcome to the HTTP error writer.
func (f *Failure) ErrorOutcome() string { return string(f.Outcome) }

func newFailure(code dErrors.Code, outcome Outcome, msg string, cause error) *Failure {
	return &Failure{Code: code, Outcome: outcome, Err: dErrors.Wrap(cause, code, msg)}
}

func reject(code dErrors.Code, msg string) *Failure {
	return &Failure{Code: code, Outcome: OutcomeNone, Err: dErrors.New(code, msg)}
}

// asFailure keeps an existing coded error's code and message.
func asFailure(err error) *Failure {
	code := dErrors.CodeOf(err)
	return &Failure{Code: code, Outcome: OutcomeNone, Err: err}
}

// failureFrom rebuilds the failure recorded in a Failed ledger entry.
func failureFrom(entry *ledgermodels.Transaction) *Failure {
	outcome := OutcomeCompensated
	if entry.ReconciliationRequired {
		outcome = OutcomeReconciliationRequired
	}
	code := dErrors.Code(entry.FailureReason)
	if code == "" {
		code = dErrors.CodePersistence
	}
	return &Failure{
		Code:          code,
		Outcome:       outcome,
		TransactionID: entry.ID,
		Err:           dErrors.New(code, "transfer failed and was recorded"),
	}
}

// State is a step of one transfer.
type State string

const (
	StateValidating   State = "validating"
	StateResolving    State = "resolving"
	StateDebiting     State = "debiting"
	StateCrediting    State = "crediting"
	StateAppending    State = "appending"
	StateCompensating State = "compensating"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateValidating:   {StateResolving, StateCompleted, StateFailed},
	StateResolving:    {StateDebiting, StateValidating, StateCompleted, StateFailed},
	StateDebiting:     {StateCrediting, StateValidating, StateFailed},
	StateCrediting:    {StateAppending, StateCompensating, StateFailed},
	StateAppending:    {StateCompleted, StateCompensating, StateFailed},
	StateCompensating: {StateValidating, StateCompleted, StateFailed},
}

// CanTransition reports whether next may follow s. Validating is re-entered
// when an attempt is retried after a conflict.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}
