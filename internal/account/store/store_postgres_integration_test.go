//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"remit/internal/account/models"
	"remit/internal/account/store"
	id "remit/pkg/domain"
	"remit/pkg/platform/sentinel"
	"remit/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	ctx      context.Context
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "ledger_transactions", "accounts"))
}

func (s *PostgresStoreSuite) create(contact string, balance int64) *models.Account {
	acc, err := models.NewAccount(models.Provision{
		ID:            id.NewAccountID(),
		OwnerID:       id.NewOwnerID(),
		Name:          "holder",
		Contact:       contact,
		AccountNumber: "500000000001",
		Balance:       balance,
		TransferLimit: balance,
	}, time.Now().UTC())
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(s.ctx, acc))
	return acc
}

func (s *PostgresStoreSuite) TestCreateGetAndLookup() {
	acc := s.create("+1 555 0001", 1000)

	got, err := s.store.Get(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(acc.OwnerID, got.OwnerID)
	s.Equal("+15550001", got.Contact)
	s.Equal(int64(1000), got.OpeningBalance)
	s.Equal(models.StatusApproved, got.Status)

	s.ErrorIs(s.store.Create(s.ctx, acc), sentinel.ErrAlreadyUsed)

	_, err = s.store.Get(s.ctx, id.NewAccountID())
	s.ErrorIs(err, sentinel.ErrNotFound)

	matches, err := s.store.FindByContact(s.ctx, "+15550001")
	s.Require().NoError(err)
	s.Len(matches, 1)

	all, err := s.store.ListAll(s.ctx)
	s.Require().NoError(err)
	s.Len(all, 1)
}

func (s *PostgresStoreSuite) TestConditionalUpdate() {
	acc := s.create("+15550002", 1000)

	version, err := s.store.ConditionalUpdate(s.ctx, acc.ID, 1, 400)
	s.Require().NoError(err)
	s.Equal(int64(2), version)

	_, err = s.store.ConditionalUpdate(s.ctx, acc.ID, 1, 300)
	s.ErrorIs(err, sentinel.ErrConflict)

	_, err = s.store.ConditionalUpdate(s.ctx, id.NewAccountID(), 1, 300)
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.ConditionalUpdate(s.ctx, acc.ID, 2, -1)
	s.ErrorIs(err, sentinel.ErrInvalidState)

	got, err := s.store.Get(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(int64(400), got.Balance)
}

// TestConcurrentWritersOneWins verifies the version guard under real row contention.
func (s *PostgresStoreSuite) TestConcurrentWritersOneWins() {
	acc := s.create("+15550003", 1000)
	const writers = 20

	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(balance int64) {
			defer wg.Done()
			_, err := s.store.ConditionalUpdate(s.ctx, acc.ID, 1, balance)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflicts.Add(1)
			default:
				assert.NoError(s.T(), err)
			}
		}(int64(i))
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), conflicts.Load())
}
