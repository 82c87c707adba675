package sentinel

import "errors"

// Sentinel errors for storage facts. Account and ledger stores return these
// (optionally wrapped) and services translate them into coded domain errors.
//
//   - ErrNotFound: entity does not exist in the store
//   - ErrConflict: the version supplied to a conditional write is stale
//   - ErrAlreadyUsed: a unique key (account id, idempotency key) is taken
//   - ErrInvalidState: the write would break a stored invariant (negative balance)
//   - ErrUnavailable: backing service temporarily unavailable (lock, broker)
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
