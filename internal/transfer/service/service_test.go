package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	accountmodels "remit/internal/account/models"
	accountstore "remit/internal/account/store"
	ledgermodels "remit/internal/ledger/models"
	ledgerstore "remit/internal/ledger/store"
	"remit/internal/recipient"
	"remit/internal/transfer/metrics"
	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
	"remit/pkg/platform/sentinel"
)

// hookedAccounts lets a test intercept balance writes and alter what the
// engine reads.
type hookedAccounts struct {
	*accountstore.InMemory
	mu    sync.Mutex
	calls map[id.AccountID]int
	hook  func(accountID id.AccountID, call int) error
	view  func(acc *accountmodels.Account)
}

func (h *hookedAccounts) Get(ctx context.Context, accountID id.AccountID) (*accountmodels.Account, error) {
	acc, err := h.InMemory.Get(ctx, accountID)
	h.mu.Lock()
	view := h.view
	h.mu.Unlock()
	if err == nil && view != nil {
		view(acc)
	}
	return acc, err
}

// committedBalance reads outside any unit of work, as another request would.
func (h *hookedAccounts) committedBalance(accountID id.AccountID) int64 {
	acc, err := h.InMemory.Get(context.Background(), accountID)
	if err != nil {
		return -1
	}
	return acc.Balance
}

// racingLedger appends a competing entry under the same key just before the
// engine's own append, as a concurrent request for another pair would.
type racingLedger struct {
	*ledgerstore.InMemory
	competitor *ledgermodels.Transaction
}

func (l *racingLedger) Append(ctx context.Context, entry *ledgermodels.Transaction) (*ledgermodels.Transaction, error) {
	if l.competitor != nil {
		c := l.competitor
		l.competitor = nil
		if _, err := l.InMemory.Append(ctx, c); err != nil {
			return nil, err
		}
	}
	return l.InMemory.Append(ctx, entry)
}

func (h *hookedAccounts) ConditionalUpdate(ctx context.Context, accountID id.AccountID, expectedVersion, newBalance int64) (int64, error) {
	h.mu.Lock()
	h.calls[accountID]++
	call := h.calls[accountID]
	hook := h.hook
	h.mu.Unlock()
	if hook != nil {
		if err := hook(accountID, call); err != nil {
			return 0, err
		}
	}
	return h.InMemory.ConditionalUpdate(ctx, accountID, expectedVersion, newBalance)
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []*ledgermodels.Transaction
}

func (p *recordingPublisher) Emit(_ context.Context, entry *ledgermodels.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

type TransferSuite struct {
	suite.Suite
	ctx       context.Context
	accounts  *hookedAccounts
	ledger    *ledgerstore.InMemory
	publisher *recordingPublisher
	metrics   *metrics.Metrics
	service   *Service

	alice *accountmodels.Account
	bob   *accountmodels.Account
}

func TestTransferSuite(t *testing.T) {
	suite.Run(t, new(TransferSuite))
}

func (s *TransferSuite) SetupTest() {
	s.ctx = context.Background()
	s.accounts = &hookedAccounts{InMemory: accountstore.NewInMemory(), calls: map[id.AccountID]int{}}
	s.ledger = ledgerstore.NewInMemory()
	s.publisher = &recordingPublisher{}
	s.metrics = metrics.NewWith(prometheus.NewRegistry())
	s.service = New(s.accounts, s.ledger, recipient.New(s.accounts),
		WithPublisher(s.publisher),
		WithMetrics(s.metrics),
		WithBackoff(0),
	)

	s.alice = s.open("+1 555 0001", 100000, 50000, accountmodels.StatusApproved)
	s.bob = s.open("+1 555 0002", 20000, 50000, accountmodels.StatusApproved)
}

func (s *TransferSuite) open(contact string, balance, limit int64, status accountmodels.Status) *accountmodels.Account {
	acc, err := accountmodels.NewAccount(accountmodels.Provision{
		ID:            id.NewAccountID(),
		OwnerID:       id.NewOwnerID(),
		Name:          "holder " + contact,
		Contact:       contact,
		AccountNumber: "100000000001",
		Balance:       balance,
		TransferLimit: limit,
		Status:        status,
	}, time.Now())
	s.Require().NoError(err)
	s.Require().NoError(s.accounts.Create(s.ctx, acc))
	return acc
}

func (s *TransferSuite) request(from *accountmodels.Account, contact string, amount int64, key string) Request {
	return Request{
		ActorID:          from.OwnerID,
		SenderID:         from.ID,
		RecipientContact: contact,
		Amount:           amount,
		IdempotencyKey:   key,
	}
}

func (s *TransferSuite) balance(acc *accountmodels.Account) int64 {
	got, err := s.accounts.Get(s.ctx, acc.ID)
	s.Require().NoError(err)
	return got.Balance
}

func (s *TransferSuite) entries() []*ledgermodels.Transaction {
	page, err := s.ledger.ListFor(s.ctx, s.alice.ID, ledgermodels.ListQuery{Limit: ledgermodels.MaxPageSize})
	s.Require().NoError(err)
	return page.Entries
}

func (s *TransferSuite) requireFailure(err error) *Failure {
	var f *Failure
	s.Require().ErrorAs(err, &f)
	return f
}

func (s *TransferSuite) TestTransferMovesFunds() {
	res, err := s.service.Transfer(s.ctx, s.request(s.alice, "+1-555-0002", 30000, "key-1"))
	s.Require().NoError(err)

	s.Equal(ledgermodels.StatusCompleted, res.Status)
	s.Equal(s.bob.ID, res.RecipientID)
	s.Equal(int64(70000), res.SenderBalanceAfter)
	s.Equal(int64(50000), res.RecipientBalanceAfter)
	s.False(res.Replayed)

	s.Equal(int64(70000), s.balance(s.alice))
	s.Equal(int64(50000), s.balance(s.bob))

	entries := s.entries()
	s.Require().Len(entries, 1)
	s.Equal(res.TransactionID, entries[0].ID)
	s.Equal(ledgermodels.TypeTransfer, entries[0].Type)
	s.Equal("key-1", entries[0].IdempotencyKey)
	s.Equal(1, s.publisher.count())
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.TransfersTotal.WithLabelValues(metrics.OutcomeCompleted)))
}

func (s *TransferSuite) TestTransferRecordsType() {
	req := s.request(s.alice, "+15550002", 100, "pay-1")
	req.Type = ledgermodels.TypePayment

	res, err := s.service.Transfer(s.ctx, req)
	s.Require().NoError(err)

	entry, err := s.ledger.FindByIdempotencyKey(s.ctx, "pay-1")
	s.Require().NoError(err)
	s.Equal(ledgermodels.TypePayment, entry.Type)
	s.Equal(res.TransactionID, entry.ID)
}

func (s *TransferSuite) TestIdempotentReplay() {
	s.Run("same key returns the recorded result without moving funds", func() {
		first, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 1000, "replay-1"))
		s.Require().NoError(err)

		second, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 1000, "replay-1"))
		s.Require().NoError(err)

		s.True(second.Replayed)
		s.Equal(first.TransactionID, second.TransactionID)
		s.Equal(first.SenderBalanceAfter, second.SenderBalanceAfter)
		s.Equal(int64(99000), s.balance(s.alice))
		s.Len(s.entries(), 1)
		s.Equal(1, s.publisher.count())
	})

	s.Run("replay ignores a changed amount", func() {
		res, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 5, "replay-1"))
		s.Require().NoError(err)
		s.True(res.Replayed)
		s.Equal(int64(1000), res.Amount)
	})

	s.Run("key recorded for another sender is a conflict", func() {
		_, err := s.service.Transfer(s.ctx, s.request(s.bob, "+15550001", 1000, "replay-1"))
		f := s.requireFailure(err)
		s.Equal(dErrors.CodeConflict, f.Code)
		s.Equal(OutcomeNone, f.Outcome)
		s.Equal(int64(20000)+1000, s.balance(s.bob))
	})
}

func (s *TransferSuite) TestEmptyKeyIsGenerated() {
	first, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 100, ""))
	s.Require().NoError(err)
	second, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 100, "  "))
	s.Require().NoError(err)

	s.NotEmpty(first.IdempotencyKey)
	s.NotEqual(first.IdempotencyKey, second.IdempotencyKey)
	s.Equal(int64(99800), s.balance(s.alice))
}

func (s *TransferSuite) TestRejections() {
	frozen := s.open("+15550003", 1000, 1000, accountmodels.StatusFrozen)
	pending := s.open("+15550004", 0, 1000, accountmodels.StatusPending)
	s.open("+15550005", 0, 1000, accountmodels.StatusApproved)
	s.open("+15550005", 0, 1000, accountmodels.StatusApproved)
	poor := s.open("+15550006", 100, 50, accountmodels.StatusApproved)

	tests := []struct {
		name string
		req  func() Request
		code dErrors.Code
	}{
		{
			name: "zero amount",
			req:  func() Request { return s.request(s.alice, "+15550002", 0, "") },
			code: dErrors.CodeInvalidAmount,
		},
		{
			name: "negative amount",
			req:  func() Request { return s.request(s.alice, "+15550002", -5, "") },
			code: dErrors.CodeInvalidAmount,
		},
		{
			name: "missing actor",
			req: func() Request {
				r := s.request(s.alice, "+15550002", 10, "")
				r.ActorID = id.OwnerID{}
				return r
			},
			code: dErrors.CodeUnauthorized,
		},
		{
			name: "unknown type",
			req: func() Request {
				r := s.request(s.alice, "+15550002", 10, "")
				r.Type = "refund"
				return r
			},
			code: dErrors.CodeValidation,
		},
		{
			name: "idempotency key too long",
			req:  func() Request { return s.request(s.alice, "+15550002", 10, strings.Repeat("k", 129)) },
			code: dErrors.CodeValidation,
		},
		{
			name: "empty contact",
			req:  func() Request { return s.request(s.alice, " - ", 10, "") },
			code: dErrors.CodeValidation,
		},
		{
			name: "unknown recipient",
			req:  func() Request { return s.request(s.alice, "+15559999", 10, "") },
			code: dErrors.CodeNotFound,
		},
		{
			name: "ambiguous recipient",
			req:  func() Request { return s.request(s.alice, "+15550005", 10, "") },
			code: dErrors.CodeAmbiguousMatch,
		},
		{
			name: "self transfer",
			req:  func() Request { return s.request(s.alice, "+1 (555) 0001", 10, "") },
			code: dErrors.CodeSelfTransfer,
		},
		{
			name: "unknown sender",
			req: func() Request {
				r := s.request(s.alice, "+15550002", 10, "")
				r.SenderID = id.NewAccountID()
				return r
			},
			code: dErrors.CodeNotFound,
		},
		{
			name: "sender owned by someone else",
			req: func() Request {
				r := s.request(s.alice, "+15550002", 10, "")
				r.ActorID = s.bob.OwnerID
				return r
			},
			code: dErrors.CodeForbidden,
		},
		{
			name: "frozen sender",
			req:  func() Request { return s.request(frozen, "+15550002", 10, "") },
			code: dErrors.CodeAccountNotEligible,
		},
		{
			name: "pending recipient",
			req:  func() Request { return s.request(s.alice, "+15550004", 10, "") },
			code: dErrors.CodeAccountNotEligible,
		},
		{
			name: "insufficient funds is checked before the limit",
			req:  func() Request { return s.request(poor, "+15550002", 200, "") },
			code: dErrors.CodeInsufficientFunds,
		},
		{
			name: "limit exceeded",
			req:  func() Request { return s.request(poor, "+15550002", 60, "") },
			code: dErrors.CodeLimitExceeded,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := s.service.Transfer(s.ctx, tt.req())
			f := s.requireFailure(err)
			s.Equal(tt.code, f.Code)
			s.Equal(OutcomeNone, f.Outcome)
			s.True(dErrors.HasCode(err, tt.code))
		})
	}

	s.Equal(int64(100000), s.balance(s.alice))
	s.Equal(int64(20000), s.balance(s.bob))
	s.Equal(int64(0), s.balance(pending))
	s.Empty(s.entries())
	s.Equal(0, s.publisher.count())
	s.Equal(float64(len(tests)), testutil.ToFloat64(s.metrics.TransfersTotal.WithLabelValues(metrics.OutcomeRejected)))
}

func (s *TransferSuite) TestLimitIsInclusive() {
	poor := s.open("+15550007", 100, 50, accountmodels.StatusApproved)
	_, err := s.service.Transfer(s.ctx, s.request(poor, "+15550002", 50, ""))
	s.Require().NoError(err)
	s.Equal(int64(50), s.balance(poor))
}

func (s *TransferSuite) TestFullBalanceCanBeSent() {
	small := s.open("+15550008", 75, 100, accountmodels.StatusApproved)
	res, err := s.service.Transfer(s.ctx, s.request(small, "+15550002", 75, ""))
	s.Require().NoError(err)
	s.Equal(int64(0), res.SenderBalanceAfter)
}

func (s *TransferSuite) TestCreditFailureIsCompensated() {
	s.accounts.hook = func(accountID id.AccountID, _ int) error {
		if accountID == s.bob.ID {
			return errors.New("disk full")
		}
		return nil
	}

	_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "comp-1"))
	f := s.requireFailure(err)
	s.Equal(dErrors.CodePersistence, f.Code)
	s.Equal(OutcomeCompensated, f.Outcome)
	s.False(f.TransactionID.IsNil())

	s.Equal(int64(100000), s.balance(s.alice))
	s.Equal(int64(20000), s.balance(s.bob))

	entry, err := s.ledger.FindByIdempotencyKey(s.ctx, "comp-1")
	s.Require().NoError(err)
	s.Equal(ledgermodels.StatusFailed, entry.Status)
	s.True(entry.Compensated)
	s.False(entry.ReconciliationRequired)
	s.Equal(int64(100000), entry.SenderBalanceAfter)
	s.Equal(1, s.publisher.count())

	s.Run("replay returns the recorded failure", func() {
		s.accounts.hook = nil
		_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "comp-1"))
		f := s.requireFailure(err)
		s.Equal(OutcomeCompensated, f.Outcome)
		s.Equal(entry.ID, f.TransactionID)
		s.Equal(int64(100000), s.balance(s.alice))
	})
}

func (s *TransferSuite) TestFailedCompensationFlagsReconciliation() {
	s.accounts.hook = func(accountID id.AccountID, call int) error {
		switch {
		case accountID == s.bob.ID:
			return errors.New("disk full")
		case accountID == s.alice.ID && call > 1:
			return errors.New("connection lost")
		}
		return nil
	}

	_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "recon-1"))
	f := s.requireFailure(err)
	s.Equal(dErrors.CodePersistence, f.Code)
	s.Equal(OutcomeReconciliationRequired, f.Outcome)
	s.Equal("reconciliation_required", f.ErrorOutcome())

	s.Equal(int64(99500), s.balance(s.alice))

	flagged, err := s.ledger.ListReconciliation(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(flagged, 1)
	s.Equal(f.TransactionID, flagged[0].ID)
	s.Equal(int64(99500), flagged[0].SenderBalanceAfter)
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.Compensations.WithLabelValues("failed")))
}

func (s *TransferSuite) TestReadersNeverSeeAHalfAppliedTransfer() {
	s.Run("failed credit", func() {
		seen := int64(-1)
		s.accounts.hook = func(accountID id.AccountID, call int) error {
			if accountID == s.bob.ID && call == 1 {
				seen = s.accounts.committedBalance(s.alice.ID)
				return errors.New("disk gone")
			}
			return nil
		}

		_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 5000, "isolated-1"))
		f := s.requireFailure(err)
		s.Equal(OutcomeCompensated, f.Outcome)
		s.Equal(int64(100000), seen)
		s.Equal(int64(100000), s.balance(s.alice))
	})

	s.Run("successful credit", func() {
		s.accounts.calls = map[id.AccountID]int{}
		seenSender, seenRecipient := int64(-1), int64(-1)
		s.accounts.hook = func(accountID id.AccountID, call int) error {
			if accountID == s.bob.ID && call == 1 {
				seenSender = s.accounts.committedBalance(s.alice.ID)
				seenRecipient = s.accounts.committedBalance(s.bob.ID)
			}
			return nil
		}

		res, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 5000, "isolated-2"))
		s.Require().NoError(err)
		s.Equal(int64(100000), seenSender)
		s.Equal(int64(20000), seenRecipient)
		s.Equal(int64(95000), res.SenderBalanceAfter)
		s.Equal(int64(95000), s.balance(s.alice))
		s.Equal(int64(25000), s.balance(s.bob))
	})
}

func (s *TransferSuite) TestCompensatedRunThatEndsEarlyIsRecorded() {
	s.Run("rejected on the next attempt", func() {
		s.accounts.hook = func(accountID id.AccountID, _ int) error {
			if accountID == s.bob.ID {
				s.accounts.view = func(acc *accountmodels.Account) {
					if acc.ID == s.alice.ID {
						acc.Balance = 10
					}
				}
				return sentinel.ErrConflict
			}
			return nil
		}

		_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "early-1"))
		s.accounts.hook, s.accounts.view = nil, nil
		f := s.requireFailure(err)
		s.Equal(dErrors.CodeInsufficientFunds, f.Code)
		s.Equal(OutcomeCompensated, f.Outcome)
		s.False(f.TransactionID.IsNil())

		entry, err := s.ledger.FindByIdempotencyKey(s.ctx, "early-1")
		s.Require().NoError(err)
		s.Equal(ledgermodels.StatusFailed, entry.Status)
		s.True(entry.Compensated)
		s.Equal(string(dErrors.CodeInsufficientFunds), entry.FailureReason)
		s.Equal(f.TransactionID, entry.ID)
		s.Equal(int64(100000), s.balance(s.alice))
		s.Equal(int64(20000), s.balance(s.bob))

		_, err = s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "early-1"))
		again := s.requireFailure(err)
		s.Equal(f.Code, again.Code)
		s.Equal(f.Outcome, again.Outcome)
		s.Equal(f.TransactionID, again.TransactionID)
	})

	s.Run("debit error on the next attempt", func() {
		s.accounts.calls = map[id.AccountID]int{}
		s.accounts.hook = func(accountID id.AccountID, call int) error {
			switch {
			case accountID == s.bob.ID:
				return sentinel.ErrConflict
			case accountID == s.alice.ID && call == 3:
				return errors.New("disk gone")
			}
			return nil
		}

		_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "early-2"))
		s.accounts.hook = nil
		f := s.requireFailure(err)
		s.Equal(dErrors.CodePersistence, f.Code)
		s.Equal(OutcomeCompensated, f.Outcome)

		entry, err := s.ledger.FindByIdempotencyKey(s.ctx, "early-2")
		s.Require().NoError(err)
		s.True(entry.Compensated)
		s.Equal(string(dErrors.CodePersistence), entry.FailureReason)
		s.Equal(int64(100000), s.balance(s.alice))
	})
}

func (s *TransferSuite) TestSameKeyCommittedByAnotherPair() {
	carol := s.open("+15550011", 1000, 1000, accountmodels.StatusApproved)
	dave := s.open("+15550012", 0, 1000, accountmodels.StatusApproved)
	ledger := &racingLedger{
		InMemory: s.ledger,
		competitor: &ledgermodels.Transaction{
			ID:             id.NewTransactionID(),
			IdempotencyKey: "shared",
			SenderID:       carol.ID,
			RecipientID:    dave.ID,
			Amount:         100,
			Type:           ledgermodels.TypeTransfer,
			Status:         ledgermodels.StatusCompleted,
		},
	}
	engine := New(s.accounts, ledger, recipient.New(s.accounts),
		WithMetrics(s.metrics),
		WithBackoff(0),
	)

	_, err := engine.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "shared"))
	f := s.requireFailure(err)
	s.Equal(dErrors.CodeConflict, f.Code)
	s.Equal(OutcomeNone, f.Outcome)

	s.Equal(int64(100000), s.balance(s.alice))
	s.Equal(int64(20000), s.balance(s.bob))
	entry, err := s.ledger.FindByIdempotencyKey(s.ctx, "shared")
	s.Require().NoError(err)
	s.Equal(carol.ID, entry.SenderID)
	s.Empty(s.entries())
}

func (s *TransferSuite) TestCreditConflictRetriesThenRecordsCompensation() {
	s.accounts.hook = func(accountID id.AccountID, _ int) error {
		if accountID == s.bob.ID {
			return sentinel.ErrConflict
		}
		return nil
	}

	_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "busy-1"))
	f := s.requireFailure(err)
	s.Equal(dErrors.CodeConcurrencyConflict, f.Code)
	s.Equal(OutcomeCompensated, f.Outcome)

	s.Equal(int64(100000), s.balance(s.alice))
	s.Equal(int64(20000), s.balance(s.bob))
	s.Equal(defaultMaxAttempts, s.accounts.calls[s.bob.ID])

	entries := s.entries()
	s.Require().Len(entries, 1)
	s.Equal(ledgermodels.StatusFailed, entries[0].Status)
	s.Equal(string(dErrors.CodeConcurrencyConflict), entries[0].FailureReason)
	s.Equal(float64(defaultMaxAttempts-1), testutil.ToFloat64(s.metrics.Retries))
}

func (s *TransferSuite) TestDebitConflictExhaustsWithoutEntry() {
	s.accounts.hook = func(accountID id.AccountID, _ int) error {
		if accountID == s.alice.ID {
			return sentinel.ErrConflict
		}
		return nil
	}

	_, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "busy-2"))
	f := s.requireFailure(err)
	s.Equal(dErrors.CodeConcurrencyConflict, f.Code)
	s.Equal(OutcomeNone, f.Outcome)
	s.Empty(s.entries())
	s.Equal(0, s.accounts.calls[s.bob.ID])
}

func (s *TransferSuite) TestConflictThenSuccess() {
	s.accounts.hook = func(accountID id.AccountID, call int) error {
		if accountID == s.alice.ID && call == 1 {
			return sentinel.ErrConflict
		}
		return nil
	}

	res, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 500, "retry-ok"))
	s.Require().NoError(err)
	s.Equal(int64(99500), res.SenderBalanceAfter)
	s.Len(s.entries(), 1)
}

func (s *TransferSuite) TestConcurrentTransfersConserveFunds() {
	const perDirection = 40
	var wg sync.WaitGroup
	var failures sync.Map

	send := func(from *accountmodels.Account, contact string) {
		defer wg.Done()
		if _, err := s.service.Transfer(s.ctx, s.request(from, contact, 10, "")); err != nil {
			failures.Store(err.Error(), true)
		}
	}
	for i := 0; i < perDirection; i++ {
		wg.Add(2)
		go send(s.alice, "+15550002")
		go send(s.bob, "+15550001")
	}
	wg.Wait()

	failures.Range(func(k, _ any) bool {
		s.Fail("unexpected failure", k)
		return true
	})
	s.Equal(int64(100000), s.balance(s.alice))
	s.Equal(int64(20000), s.balance(s.bob))
	s.Len(s.entries(), 2*perDirection)
}

func (s *TransferSuite) TestConcurrentSameKeyAppliesOnce() {
	const callers = 20
	var wg sync.WaitGroup
	results := make(chan *Result, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.service.Transfer(s.ctx, s.request(s.alice, "+15550002", 700, "same-key"))
			if !assert.NoError(s.T(), err) {
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for res := range results {
		if !res.Replayed {
			fresh++
		}
	}
	s.Equal(1, fresh)
	s.Equal(int64(99300), s.balance(s.alice))
	s.Len(s.entries(), 1)
}

func (s *TransferSuite) TestCancelledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.service.Transfer(ctx, s.request(s.alice, "+15550002", 10, "cancelled"))
	s.Require().Error(err)
	s.Equal(int64(100000), s.balance(s.alice))
	s.Empty(s.entries())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateValidating.CanTransition(StateResolving))
	assert.True(t, StateDebiting.CanTransition(StateValidating))
	assert.True(t, StateCompensating.CanTransition(StateValidating))
	assert.False(t, StateCompleted.CanTransition(StateFailed))
	assert.False(t, StateValidating.CanTransition(StateCrediting))
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateAppending.IsTerminal())
}
