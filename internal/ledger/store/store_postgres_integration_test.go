//go:build integration

package store_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"remit/internal/ledger/models"
	"remit/internal/ledger/store"
	id "remit/pkg/domain"
	"remit/pkg/platform/sentinel"
	"remit/pkg/platform/tx"
	"remit/pkg/testutil/containers"
)

type PostgresLedgerSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	ctx      context.Context
	a, b     id.AccountID
}

func TestPostgresLedgerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresLedgerSuite))
}

func (s *PostgresLedgerSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.ctx = context.Background()
}

func (s *PostgresLedgerSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "ledger_transactions"))
	s.a = id.NewAccountID()
	s.b = id.NewAccountID()
}

func (s *PostgresLedgerSuite) append(key string, from, to id.AccountID, typ models.Type, status models.Status) *models.Transaction {
	entry, err := s.store.Append(s.ctx, &models.Transaction{
		ID:             id.NewTransactionID(),
		IdempotencyKey: key,
		SenderID:       from,
		RecipientID:    to,
		Amount:         100,
		Type:           typ,
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	})
	s.Require().NoError(err)
	return entry
}

func (s *PostgresLedgerSuite) TestAppendAndFind() {
	entry := s.append("k1", s.a, s.b, models.TypeTransfer, models.StatusCompleted)
	s.NotZero(entry.Seq)

	got, err := s.store.FindByIdempotencyKey(s.ctx, "k1")
	s.Require().NoError(err)
	s.Equal(entry.ID, got.ID)
	s.Equal(entry.Seq, got.Seq)

	_, err = s.store.FindByIdempotencyKey(s.ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.Append(s.ctx, &models.Transaction{
		ID: id.NewTransactionID(), IdempotencyKey: "k1", SenderID: s.a, RecipientID: s.b,
		Amount: 5, Type: models.TypeTransfer, Status: models.StatusCompleted, CreatedAt: time.Now().UTC(),
	})
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)
}

func (s *PostgresLedgerSuite) TestListForPagesNewestFirst() {
	for i := 0; i < 5; i++ {
		typ := models.TypeTransfer
		if i%2 == 1 {
			typ = models.TypePayment
		}
		s.append(fmt.Sprintf("p%d", i), s.a, s.b, typ, models.StatusCompleted)
	}
	s.append("other", id.NewAccountID(), id.NewAccountID(), models.TypeTransfer, models.StatusCompleted)

	first, err := s.store.ListFor(s.ctx, s.b, models.ListQuery{Limit: 3})
	s.Require().NoError(err)
	s.Require().Len(first.Entries, 3)
	s.Equal("p4", first.Entries[0].IdempotencyKey)
	s.NotZero(first.NextBefore)

	second, err := s.store.ListFor(s.ctx, s.b, models.ListQuery{Limit: 3, BeforeSeq: first.NextBefore})
	s.Require().NoError(err)
	s.Require().Len(second.Entries, 2)
	s.Equal("p0", second.Entries[1].IdempotencyKey)
	s.Zero(second.NextBefore)

	payments, err := s.store.ListFor(s.ctx, s.a, models.ListQuery{Type: models.TypePayment})
	s.Require().NoError(err)
	s.Len(payments.Entries, 2)
}

func (s *PostgresLedgerSuite) TestNetFlowCountsCompletedOnly() {
	s.append("c1", s.a, s.b, models.TypeTransfer, models.StatusCompleted)
	s.append("c2", s.b, s.a, models.TypeTransfer, models.StatusCompleted)
	s.append("c3", s.a, s.b, models.TypeTransfer, models.StatusCompleted)
	s.append("f1", s.a, s.b, models.TypeTransfer, models.StatusFailed)

	net, err := s.store.NetFlow(s.ctx, s.b)
	s.Require().NoError(err)
	s.Equal(int64(100), net)

	net, err = s.store.NetFlow(s.ctx, id.NewAccountID())
	s.Require().NoError(err)
	s.Zero(net)
}

// TestConcurrentAppendSameKey verifies the unique index keeps exactly one entry per key.
func (s *PostgresLedgerSuite) TestConcurrentAppendSameKey() {
	const writers = 16
	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Append(s.ctx, &models.Transaction{
				ID: id.NewTransactionID(), IdempotencyKey: "race", SenderID: s.a, RecipientID: s.b,
				Amount: 1, Type: models.TypeTransfer, Status: models.StatusCompleted, CreatedAt: time.Now().UTC(),
			})
			if err == nil {
				ok.Add(1)
			} else if errors.Is(err, sentinel.ErrAlreadyUsed) {
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), ok.Load())
	s.Equal(int32(writers-1), dup.Load())
}

func (s *PostgresLedgerSuite) entry(key string) *models.Transaction {
	return &models.Transaction{
		ID: id.NewTransactionID(), IdempotencyKey: key, SenderID: s.a, RecipientID: s.b,
		Amount: 1, Type: models.TypeTransfer, Status: models.StatusCompleted, CreatedAt: time.Now().UTC(),
	}
}

// TestAppendWaitsForOpenUnit verifies a later append cannot commit a seq ahead
// of an uncommitted one, so seq order matches commit order.
func (s *PostgresLedgerSuite) TestAppendWaitsForOpenUnit() {
	sqlTx, err := s.postgres.DB.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	defer func() { _ = sqlTx.Rollback() }()

	first, err := s.store.Append(tx.WithTx(s.ctx, sqlTx), s.entry("held"))
	s.Require().NoError(err)

	done := make(chan *models.Transaction, 1)
	go func() {
		second, err := s.store.Append(s.ctx, s.entry("queued"))
		if err != nil {
			done <- nil
			return
		}
		done <- second
	}()

	select {
	case <-done:
		s.Fail("append committed while an earlier append was still open")
	case <-time.After(150 * time.Millisecond):
	}

	s.Require().NoError(sqlTx.Commit())
	select {
	case second := <-done:
		s.Require().NotNil(second)
		s.Greater(second.Seq, first.Seq)
	case <-time.After(5 * time.Second):
		s.Fail("append still blocked after the open unit committed")
	}
}

// TestDuplicateInsideUnitKeepsUnitUsable verifies a duplicate key does not
// abort the surrounding transaction.
func (s *PostgresLedgerSuite) TestDuplicateInsideUnitKeepsUnitUsable() {
	s.append("taken", s.a, s.b, models.TypeTransfer, models.StatusCompleted)

	sqlTx, err := s.postgres.DB.BeginTx(s.ctx, nil)
	s.Require().NoError(err)
	defer func() { _ = sqlTx.Rollback() }()
	ctx := tx.WithTx(s.ctx, sqlTx)

	_, err = s.store.Append(ctx, s.entry("taken"))
	s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)

	existing, err := s.store.FindByIdempotencyKey(ctx, "taken")
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, existing.Status)

	_, err = s.store.Append(ctx, s.entry("after-duplicate"))
	s.Require().NoError(err)
	s.Require().NoError(sqlTx.Commit())

	_, err = s.store.FindByIdempotencyKey(s.ctx, "after-duplicate")
	s.NoError(err)
}
