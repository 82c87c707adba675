package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	accountmodels "remit/internal/account/models"
	id "remit/pkg/domain"
)

type demoAccount struct {
	name    string
	contact string
}

var demoAccounts = []demoAccount{
	{name: "Alice Demo", contact: "+15550001"},
	{name: "Bob Demo", contact: "+15550002"},
	{name: "Carol Demo", contact: "+15550003"},
}

const (
	demoBalance       = 100000
	demoTransferLimit = 50000
)

// seedDemoAccounts provisions approved accounts for local development. A
// contact that already resolves to an account is left alone.
func seedDemoAccounts(ctx context.Context, accounts accountStore, log *slog.Logger) error {
	now := time.Now().UTC()
	for _, d := range demoAccounts {
		existing, err := accounts.FindByContact(ctx, d.contact)
		if err != nil {
			return fmt.Errorf("seeding %s: %w", d.contact, err)
		}
		if len(existing) > 0 {
			continue
		}

		acc, err := accountmodels.NewAccount(accountmodels.Provision{
			ID:            id.NewAccountID(),
			OwnerID:       id.NewOwnerID(),
			Name:          d.name,
			Contact:       d.contact,
			AccountNumber: fmt.Sprintf("%012d", rand.Int64N(1e12)),
			Balance:       demoBalance,
			TransferLimit: demoTransferLimit,
		}, now)
		if err != nil {
			return err
		}
		if err := accounts.Create(ctx, acc); err != nil {
			return fmt.Errorf("seeding %s: %w", d.contact, err)
		}
		log.InfoContext(ctx, "seeded demo account",
			"account_id", acc.ID.String(),
			"owner_id", acc.OwnerID.String(),
			"contact", acc.Contact,
		)
	}
	return nil
}
