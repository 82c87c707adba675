package domain

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	dErrors "remit/pkg/domain-errors"
)

// Typed identifiers. Each wraps a UUID so an account id can never be passed
// where an owner or transaction id is expected.
type (
	AccountID     uuid.UUID
	OwnerID       uuid.UUID
	TransactionID uuid.UUID
)

// maxIDLength bounds input before it reaches uuid.Parse.
const maxIDLength = 64

func parseUUID(kind, s string) (uuid.UUID, error) {
	if s == "" || strings.TrimSpace(s) == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > maxIDLength || !utf8.ValidString(s) {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	return u, nil
}

// ParseAccountID parses external input into an AccountID.
// Errors: CodeInvalidInput when empty, malformed or the nil UUID.
func ParseAccountID(s string) (AccountID, error) {
	u, err := parseUUID("account id", s)
	return AccountID(u), err
}

// ParseOwnerID parses external input into an OwnerID.
func ParseOwnerID(s string) (OwnerID, error) {
	u, err := parseUUID("owner id", s)
	return OwnerID(u), err
}

// ParseTransactionID parses external input into a TransactionID.
func ParseTransactionID(s string) (TransactionID, error) {
	u, err := parseUUID("transaction id", s)
	return TransactionID(u), err
}

func NewAccountID() AccountID         { return AccountID(uuid.New()) }
func NewOwnerID() OwnerID             { return OwnerID(uuid.New()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }

func (id AccountID) String() string     { return uuid.UUID(id).String() }
func (id OwnerID) String() string       { return uuid.UUID(id).String() }
func (id TransactionID) String() string { return uuid.UUID(id).String() }

func (id AccountID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id OwnerID) IsNil() bool       { return uuid.UUID(id) == uuid.Nil }
func (id TransactionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// Compare orders account ids bytewise. Lock acquisition relies on this order
// being total and stable.
func (id AccountID) Compare(other AccountID) int {
	return bytes.Compare(id[:], other[:])
}

func (id AccountID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id OwnerID) MarshalText() ([]byte, error)       { return []byte(id.String()), nil }
func (id TransactionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *AccountID) UnmarshalText(b []byte) error {
	parsed, err := ParseAccountID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *OwnerID) UnmarshalText(b []byte) error {
	parsed, err := ParseOwnerID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id *TransactionID) UnmarshalText(b []byte) error {
	parsed, err := ParseTransactionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
