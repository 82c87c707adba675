package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	accountmodels "remit/internal/account/models"
	ledgermodels "remit/internal/ledger/models"
	"remit/internal/transfer/lock"
	"remit/internal/transfer/metrics"
	"remit/pkg/backoff"
	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
	"remit/pkg/money"
	"remit/pkg/platform/sentinel"
	"remit/pkg/requestcontext"
)

// AccountStore is the versioned account storage the engine mutates.
type AccountStore interface {
	Get(ctx context.Context, accountID id.AccountID) (*accountmodels.Account, error)
	ConditionalUpdate(ctx context.Context, accountID id.AccountID, expectedVersion, newBalance int64) (int64, error)
}

// Ledger is the append-only transaction history.
type Ledger interface {
	Append(ctx context.Context, entry *ledgermodels.Transaction) (*ledgermodels.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*ledgermodels.Transaction, error)
}

// RecipientResolver maps a contact key to exactly one account.
type RecipientResolver interface {
	Resolve(ctx context.Context, contact string) (*accountmodels.Account, error)
}

// EventPublisher receives every committed ledger entry. It must not block.
type EventPublisher interface {
	Emit(ctx context.Context, entry *ledgermodels.Transaction)
}

const (
	defaultMaxAttempts      = 3
	defaultBackoffBase      = 10 * time.Millisecond
	maxIdempotencyKeyLength = 128
)

// Service is the transfer engine: the only path that changes balances.
type Service struct {
	accounts    AccountStore
	ledger      Ledger
	resolver    RecipientResolver
	locker      lock.Locker
	tx          StoreTx
	publisher   EventPublisher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	maxAttempts int
	backoffBase time.Duration
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		s.locker = l
	}
}

func WithTx(t StoreTx) Option {
	return func(s *Service) {
		s.tx = t
	}
}

func WithPublisher(p EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithMaxAttempts bounds attempts per transfer when versions conflict.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay of the jittered exponential backoff between attempts.
func WithBackoff(base time.Duration) Option {
	return func(s *Service) {
		if base >= 0 {
			s.backoffBase = base
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// New constructs the engine. Without options it uses an in-process locker and
// runs attempts inline, inside the account store's own unit when it has one.
func New(accounts AccountStore, ledger Ledger, resolver RecipientResolver, opts ...Option) *Service {
	s := &Service{
		accounts:    accounts,
		ledger:      ledger,
		resolver:    resolver,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.locker == nil {
		s.locker = lock.NewSharded(0)
	}
	if s.tx == nil {
		staged, _ := accounts.(StoreTx)
		s.tx = NewInlineTx(0, staged)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("remit/transfer")
	}
	return s
}

// run carries one transfer through its attempts.
type run struct {
	req         Request
	key         string
	generated   bool
	txID        id.TransactionID
	recipientID id.AccountID
	state       State
	attempts    int
	span        trace.Span

	// Set once an attempt debited, hit a credit conflict and was undone.
	compensated          bool
	lastSenderBalance    int64
	lastRecipientBalance int64
}

func (s *Service) to(ctx context.Context, r *run, next State) {
	if !r.state.CanTransition(next) {
		s.logger.WarnContext(ctx, "unexpected transfer state transition",
			"from", r.state,
			"to", next,
			"transaction_id", r.txID.String(),
		)
	}
	s.logger.DebugContext(ctx, "transfer state",
		"from", r.state,
		"to", next,
		"transaction_id", r.txID.String(),
		"attempt", r.attempts,
	)
	r.span.AddEvent("state", trace.WithAttributes(
		attribute.String("from", string(r.state)),
		attribute.String("to", string(next)),
	))
	r.state = next
}

// attemptOutcome is what one attempt under the write intent produced.
type attemptOutcome struct {
	result   *Result
	failure  *Failure
	retry    bool
	appended *ledgermodels.Transaction
	// abort is set when nothing was written, so the unit of work rolls back.
	abort error
}

var errAbort = errors.New("transfer attempt wrote nothing")

func aborted(f *Failure) attemptOutcome {
	return attemptOutcome{failure: f, abort: errAbort}
}

// Transfer moves funds between two accounts exactly once per idempotency key.
//
// Evaluation order: idempotency replay, amount, recipient resolution,
// self-transfer, then under the write intent: sender existence and ownership,
// eligibility of both accounts, sufficient funds, per-transfer limit.
// Failures are returned as *Failure.
func (s *Service) Transfer(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "transfer.Transfer", trace.WithAttributes(
		attribute.String("sender_id", req.SenderID.String()),
		attribute.Int64("amount", req.Amount),
	))
	defer span.End()

	r := &run{req: req, txID: id.NewTransactionID(), state: StateValidating, span: span}
	res, failure := s.transfer(ctx, r)
	s.finish(ctx, r, res, failure, start)
	if failure != nil {
		return nil, failure
	}
	return res, nil
}

func (s *Service) transfer(ctx context.Context, r *run) (*Result, *Failure) {
	req := r.req

	r.key = strings.TrimSpace(req.IdempotencyKey)
	if len(r.key) > maxIdempotencyKeyLength {
		return nil, reject(dErrors.CodeValidation, "idempotency key is too long")
	}
	if r.key == "" {
		r.key = uuid.NewString()
		r.generated = true
	} else {
		existing, err := s.ledger.FindByIdempotencyKey(ctx, r.key)
		switch {
		case err == nil:
			return s.replay(ctx, r, existing)
		case !errors.Is(err, sentinel.ErrNotFound):
			return nil, newFailure(dErrors.CodePersistence, OutcomeNone, "failed to check idempotency key", err)
		}
	}

	if req.ActorID.IsNil() {
		return nil, reject(dErrors.CodeUnauthorized, "acting identity is required")
	}
	if req.Amount <= 0 {
		return nil, reject(dErrors.CodeInvalidAmount, "amount must be greater than zero")
	}
	switch req.Type {
	case "":
		r.req.Type = ledgermodels.TypeTransfer
	case ledgermodels.TypeTransfer, ledgermodels.TypePayment:
	default:
		return nil, reject(dErrors.CodeValidation, "type must be transfer or payment")
	}

	s.to(ctx, r, StateResolving)
	recipient, err := s.resolver.Resolve(ctx, req.RecipientContact)
	if err != nil {
		return nil, asFailure(err)
	}
	if recipient.ID == req.SenderID {
		return nil, reject(dErrors.CodeSelfTransfer, "sender and recipient must be different accounts")
	}
	r.recipientID = recipient.ID

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		r.attempts = attempt + 1
		if attempt > 0 {
			s.metrics.IncRetry()
			if err := backoff.Sleep(ctx, backoff.ExponentialWithJitter(s.backoffBase, attempt-1)); err != nil {
				return nil, s.exhausted(ctx, r, dErrors.Wrap(err, dErrors.CodeTimeout, "transfer deadline reached between attempts"))
			}
			s.to(ctx, r, StateValidating)
		}
		out := s.attempt(ctx, r)
		if out.retry {
			continue
		}
		if out.failure != nil && r.compensated && out.appended == nil && out.failure.TransactionID.IsNil() {
			return nil, s.recordCompensated(ctx, r, out.failure)
		}
		return out.result, out.failure
	}
	return nil, s.exhausted(ctx, r, nil)
}

// replay returns what the entry recorded under the key, without re-executing.
func (s *Service) replay(ctx context.Context, r *run, existing *ledgermodels.Transaction) (*Result, *Failure) {
	if existing.SenderID != r.req.SenderID {
		return nil, reject(dErrors.CodeConflict, "idempotency key was already used for a different transfer")
	}
	r.txID = existing.ID
	if existing.IsCompleted() {
		s.to(ctx, r, StateCompleted)
		return resultFrom(existing, true), nil
	}
	return nil, failureFrom(existing)
}

// attempt runs one read-validate-debit-credit-append cycle under the write
// intent on both accounts.
func (s *Service) attempt(ctx context.Context, r *run) attemptOutcome {
	release, err := s.locker.Acquire(ctx, r.req.SenderID, r.recipientID)
	if err != nil {
		return attemptOutcome{failure: newFailure(dErrors.CodeConcurrencyConflict, OutcomeNone,
			"timed out waiting for account write intent", err)}
	}
	defer release()

	var out attemptOutcome
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		out = s.execute(ctx, r)
		return out.abort
	})
	switch {
	case err == nil:
	case out.abort != nil && errors.Is(err, out.abort):
		return out
	case errors.Is(err, ErrCommitUnknown):
		s.logger.ErrorContext(ctx, "transfer commit result unknown",
			"transaction_id", r.txID.String(),
			"idempotency_key", r.key,
			"error", err,
		)
		f := newFailure(dErrors.CodePersistence, OutcomeReconciliationRequired, "transfer result could not be confirmed", err)
		f.TransactionID = r.txID
		return attemptOutcome{failure: f}
	case dErrors.HasCode(err, dErrors.CodeTimeout):
		return attemptOutcome{failure: newFailure(dErrors.CodePersistence, OutcomeNone, "transfer timed out before it was applied", err)}
	default:
		// The unit rolled back, so whatever execute reported was undone with it.
		return attemptOutcome{failure: newFailure(dErrors.CodePersistence, OutcomeNone, "transfer was not applied", err)}
	}

	if out.appended != nil && s.publisher != nil {
		s.publisher.Emit(ctx, out.appended)
	}
	return out
}

func (s *Service) execute(ctx context.Context, r *run) attemptOutcome {
	req := r.req

	// Re-check under the write intent: a concurrent request with this key may
	// have finished while this one waited.
	if !r.generated {
		existing, err := s.ledger.FindByIdempotencyKey(ctx, r.key)
		switch {
		case err == nil:
			res, f := s.replay(ctx, r, existing)
			return attemptOutcome{result: res, failure: f, abort: errAbort}
		case !errors.Is(err, sentinel.ErrNotFound):
			return aborted(newFailure(dErrors.CodePersistence, OutcomeNone, "failed to check idempotency key", err))
		}
	}

	sender, err := s.accounts.Get(ctx, req.SenderID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return aborted(reject(dErrors.CodeNotFound, "sender account not found"))
		}
		return aborted(newFailure(dErrors.CodePersistence, OutcomeNone, "failed to load sender account", err))
	}
	if !sender.OwnedBy(req.ActorID) {
		return aborted(reject(dErrors.CodeForbidden, "sender account does not belong to the caller"))
	}
	recipient, err := s.accounts.Get(ctx, r.recipientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return aborted(reject(dErrors.CodeAccountNotEligible, "recipient account is not eligible"))
		}
		return aborted(newFailure(dErrors.CodePersistence, OutcomeNone, "failed to load recipient account", err))
	}
	if !sender.IsTransferable() {
		return aborted(reject(dErrors.CodeAccountNotEligible, "sender account is not eligible"))
	}
	if !recipient.IsTransferable() {
		return aborted(reject(dErrors.CodeAccountNotEligible, "recipient account is not eligible"))
	}
	if req.Amount > sender.Balance {
		return aborted(reject(dErrors.CodeInsufficientFunds, "insufficient funds"))
	}
	if req.Amount > sender.TransferLimit {
		return aborted(reject(dErrors.CodeLimitExceeded, "amount exceeds the transfer limit"))
	}
	recipientAfter, ok := money.Add(recipient.Balance, req.Amount)
	if !ok {
		return aborted(reject(dErrors.CodeInvalidAmount, "amount would overflow the recipient balance"))
	}
	senderAfter := sender.Balance - req.Amount

	s.to(ctx, r, StateDebiting)
	senderVersion, err := s.accounts.ConditionalUpdate(ctx, sender.ID, sender.Version, senderAfter)
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return attemptOutcome{retry: true, abort: errAbort}
		}
		return aborted(newFailure(dErrors.CodePersistence, OutcomeNone, "failed to debit sender", err))
	}

	s.to(ctx, r, StateCrediting)
	recipientVersion, err := s.accounts.ConditionalUpdate(ctx, recipient.ID, recipient.Version, recipientAfter)
	if err != nil {
		s.to(ctx, r, StateCompensating)
		if cerr := s.restore(ctx, sender.ID, senderVersion, sender.Balance); cerr != nil {
			return s.recordFailure(ctx, r, err, cerr, senderAfter, recipient.Balance)
		}
		if errors.Is(err, sentinel.ErrConflict) {
			r.compensated = true
			r.lastSenderBalance = sender.Balance
			r.lastRecipientBalance = recipient.Balance
			return attemptOutcome{retry: true}
		}
		return s.recordFailure(ctx, r, err, nil, sender.Balance, recipient.Balance)
	}

	s.to(ctx, r, StateAppending)
	entry := r.entry(ctx, ledgermodels.StatusCompleted, senderAfter, recipientAfter)
	appended, err := s.ledger.Append(ctx, entry)
	if err != nil {
		s.to(ctx, r, StateCompensating)
		rerr := errors.Join(
			s.restore(ctx, recipient.ID, recipientVersion, recipient.Balance),
			s.restore(ctx, sender.ID, senderVersion, sender.Balance),
		)
		if rerr != nil {
			return s.recordFailure(ctx, r, err, rerr, senderAfter, recipientAfter)
		}
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			// Same key committed concurrently over another pair of accounts.
			existing, ferr := s.ledger.FindByIdempotencyKey(ctx, r.key)
			if ferr == nil {
				res, f := s.replay(ctx, r, existing)
				return attemptOutcome{result: res, failure: f}
			}
			err = errors.Join(err, ferr)
		}
		return s.recordFailure(ctx, r, err, nil, sender.Balance, recipient.Balance)
	}

	s.to(ctx, r, StateCompleted)
	return attemptOutcome{result: resultFrom(appended, false), appended: appended}
}

// restore puts an account back to balance, conditioned on the version this
// attempt wrote.
func (s *Service) restore(ctx context.Context, accountID id.AccountID, version, balance int64) error {
	_, err := s.accounts.ConditionalUpdate(ctx, accountID, version, balance)
	s.metrics.IncCompensation(err == nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "compensating write failed",
			"account_id", accountID.String(),
			"expected_version", version,
			"restore_balance", balance,
			"error", err,
		)
	}
	return err
}

// recordFailure appends the Failed entry for an attempt that got past the
// debit. compErr is the compensation error, nil when balances were restored.
func (s *Service) recordFailure(ctx context.Context, r *run, cause, compErr error, senderBalance, recipientBalance int64) attemptOutcome {
	entry := r.entry(ctx, ledgermodels.StatusFailed, senderBalance, recipientBalance)
	entry.FailureReason = string(dErrors.CodePersistence)

	var f *Failure
	if compErr != nil {
		entry.ReconciliationRequired = true
		f = newFailure(dErrors.CodePersistence, OutcomeReconciliationRequired,
			"transfer failed and could not be reversed", errors.Join(cause, compErr))
		s.logger.ErrorContext(ctx, "transfer requires manual reconciliation",
			"transaction_id", r.txID.String(),
			"sender_id", r.req.SenderID.String(),
			"recipient_id", r.recipientID.String(),
			"amount", r.req.Amount,
			"error", f.Err,
		)
	} else {
		entry.Compensated = true
		f = newFailure(dErrors.CodePersistence, OutcomeCompensated, "transfer failed and was reversed", cause)
	}
	f.TransactionID = r.txID

	s.to(ctx, r, StateFailed)
	appended, err := s.ledger.Append(ctx, entry)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record failed transfer",
			"transaction_id", r.txID.String(),
			"error", err,
		)
		return attemptOutcome{failure: f}
	}
	return attemptOutcome{failure: f, appended: appended}
}

// exhausted ends a transfer whose attempts all hit version conflicts.
func (s *Service) exhausted(ctx context.Context, r *run, cause error) *Failure {
	if cause == nil {
		cause = errors.New("version conflict on every attempt")
	}
	f := newFailure(dErrors.CodeConcurrencyConflict, OutcomeNone, "accounts are busy, retry the transfer", cause)
	if !r.compensated {
		return f
	}
	return s.recordCompensated(ctx, r, f)
}

// recordCompensated writes the single Failed entry for a run in which an
// earlier attempt debited and was undone, however the run then ended. A later
// replay of the key returns the same failure.
func (s *Service) recordCompensated(ctx context.Context, r *run, f *Failure) *Failure {
	entry := r.entry(ctx, ledgermodels.StatusFailed, r.lastSenderBalance, r.lastRecipientBalance)
	entry.FailureReason = string(f.Code)
	entry.Compensated = true

	appended, err := s.ledger.Append(context.WithoutCancel(ctx), entry)
	if err != nil {
		// The key belongs to another request by now; its entry stands.
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return f
		}
		s.logger.ErrorContext(ctx, "failed to record failed transfer",
			"transaction_id", r.txID.String(),
			"error", err,
		)
		return &Failure{Code: f.Code, Outcome: OutcomeCompensated, Err: f.Err}
	}
	if s.publisher != nil {
		s.publisher.Emit(ctx, appended)
	}
	return &Failure{Code: f.Code, Outcome: OutcomeCompensated, TransactionID: r.txID, Err: f.Err}
}

func (r *run) entry(ctx context.Context, status ledgermodels.Status, senderBalance, recipientBalance int64) *ledgermodels.Transaction {
	return &ledgermodels.Transaction{
		ID:                    r.txID,
		IdempotencyKey:        r.key,
		SenderID:              r.req.SenderID,
		RecipientID:           r.recipientID,
		Amount:                r.req.Amount,
		Type:                  r.req.Type,
		Status:                status,
		SenderBalanceAfter:    senderBalance,
		RecipientBalanceAfter: recipientBalance,
		CreatedAt:             requestcontext.Now(ctx),
	}
}

var validationCodes = map[dErrors.Code]bool{
	dErrors.CodeValidation:         true,
	dErrors.CodeInvalidAmount:      true,
	dErrors.CodeSelfTransfer:       true,
	dErrors.CodeNotFound:           true,
	dErrors.CodeAmbiguousMatch:     true,
	dErrors.CodeAccountNotEligible: true,
	dErrors.CodeInsufficientFunds:  true,
	dErrors.CodeLimitExceeded:      true,
	dErrors.CodeForbidden:          true,
	dErrors.CodeUnauthorized:       true,
	dErrors.CodeConflict:           true,
}

func (s *Service) finish(ctx context.Context, r *run, res *Result, failure *Failure, start time.Time) {
	requestID := requestcontext.RequestID(ctx)
	if failure == nil {
		outcome := metrics.OutcomeCompleted
		if res.Replayed {
			outcome = metrics.OutcomeReplayed
		}
		s.metrics.ObserveTransfer(outcome, start)
		r.span.SetAttributes(attribute.String("transaction_id", res.TransactionID.String()))
		s.logger.InfoContext(ctx, "transfer completed",
			"request_id", requestID,
			"transaction_id", res.TransactionID.String(),
			"sender_id", res.SenderID.String(),
			"recipient_id", res.RecipientID.String(),
			"amount", res.Amount,
			"replayed", res.Replayed,
			"attempts", r.attempts,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}

	if !r.state.IsTerminal() {
		s.to(ctx, r, StateFailed)
	}
	r.span.RecordError(failure)
	r.span.SetStatus(codes.Error, string(failure.Code))

	if failure.Outcome == OutcomeNone && validationCodes[failure.Code] {
		s.metrics.IncRejection(string(failure.Code))
		s.metrics.ObserveTransfer(metrics.OutcomeRejected, start)
		s.logger.InfoContext(ctx, "transfer rejected",
			"request_id", requestID,
			"sender_id", r.req.SenderID.String(),
			"code", failure.Code,
			"error", failure.Err,
		)
		return
	}
	s.metrics.ObserveTransfer(metrics.OutcomeFailed, start)
	s.logger.ErrorContext(ctx, "transfer failed",
		"request_id", requestID,
		"transaction_id", failure.TransactionID.String(),
		"sender_id", r.req.SenderID.String(),
		"code", failure.Code,
		"outcome", failure.Outcome,
		"attempts", r.attempts,
		"error", failure.Err,
	)
}
