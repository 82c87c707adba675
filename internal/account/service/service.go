// Package service exposes the read side of accounts: the owner's account view
// and its transaction history. Balances only change through the transfer engine.
package service

import (
	"context"
	"errors"
	"log/slog"

	"remit/internal/account/models"
	ledgermodels "remit/internal/ledger/models"
	id "remit/pkg/domain"
	dErrors "remit/pkg/domain-errors"
	"remit/pkg/platform/sentinel"
)

// Store provides account reads.
type Store interface {
	Get(ctx context.Context, accountID id.AccountID) (*models.Account, error)
}

// History provides ledger reads for one account.
type History interface {
	ListFor(ctx context.Context, accountID id.AccountID, query ledgermodels.ListQuery) (*ledgermodels.Page, error)
}

type Service struct {
	accounts Store
	history  History
	logger   *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(accounts Store, history History, opts ...Option) *Service {
	s := &Service{accounts: accounts, history: history}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// GetAccount returns the account when actor owns it.
func (s *Service) GetAccount(ctx context.Context, actor id.OwnerID, accountID id.AccountID) (*models.Account, error) {
	if actor.IsNil() {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "acting identity is required")
	}
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "account not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load account")
	}
	if !account.OwnedBy(actor) {
		s.logger.WarnContext(ctx, "account read by non-owner",
			"account_id", accountID.String(),
			"actor_id", actor.String(),
		)
		return nil, dErrors.New(dErrors.CodeForbidden, "account does not belong to the caller")
	}
	return account, nil
}

// History returns one page of the account's ledger entries, newest first.
func (s *Service) History(ctx context.Context, actor id.OwnerID, accountID id.AccountID, query ledgermodels.ListQuery) (*ledgermodels.Page, error) {
	if _, err := s.GetAccount(ctx, actor, accountID); err != nil {
		return nil, err
	}
	page, err := s.history.ListFor(ctx, accountID, query.Normalize())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load transaction history")
	}
	return page, nil
}
