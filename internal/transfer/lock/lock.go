// Package lock provides write intents on account pairs. Intents are always
// taken in ascending account id order so two transfers over the same pair in
// opposite directions cannot deadlock.
package lock

import (
	"context"
	"slices"

	id "remit/pkg/domain"
)

// Locker grants exclusive write intent over a set of accounts. The returned
// release function must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, accounts ...id.AccountID) (release func(), err error)
}

// ordered returns the distinct ids in ascending order.
func ordered(accounts []id.AccountID) []id.AccountID {
	out := slices.Clone(accounts)
	slices.SortFunc(out, func(a, b id.AccountID) int { return a.Compare(b) })
	return slices.Compact(out)
}
