package store

import (
	"context"
	"sort"
	"sync"

	"remit/internal/account/models"
	id "remit/pkg/domain"
	"remit/pkg/platform/sentinel"
	"remit/pkg/requestcontext"
)

// InMemory keeps accounts in a map guarded by one RWMutex. Every read hands
// out a copy so callers never observe a balance change they did not make.
//
// Balance writes made inside RunInTx are staged on the context and applied
// together when the unit ends, so other readers never see a half-applied
// transfer.
type InMemory struct {
	mu       sync.RWMutex
	accounts map[id.AccountID]*models.Account
}

type stageKey struct{}

// stage holds the writes of one unit. base is the committed version each
// staged account was read at.
type stage struct {
	mu     sync.Mutex
	writes map[id.AccountID]*models.Account
	base   map[id.AccountID]int64
	order  []id.AccountID
}

func stageFrom(ctx context.Context) *stage {
	st, _ := ctx.Value(stageKey{}).(*stage)
	return st
}

// RunInTx runs fn with writes staged on its context. They are applied when fn
// returns nil and discarded otherwise. A staged account changed by a write
// outside the unit fails the commit with sentinel.ErrConflict and nothing is
// applied. A unit already on ctx is joined.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if stageFrom(ctx) != nil {
		return fn(ctx)
	}
	st := &stage{
		writes: make(map[id.AccountID]*models.Account),
		base:   make(map[id.AccountID]int64),
	}
	if err := fn(context.WithValue(ctx, stageKey{}, st)); err != nil {
		return err
	}
	return s.apply(st)
}

func (s *InMemory) apply(st *stage) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, accountID := range st.order {
		acc, ok := s.accounts[accountID]
		if !ok || acc.Version != st.base[accountID] {
			return sentinel.ErrConflict
		}
	}
	for _, accountID := range st.order {
		cp := *st.writes[accountID]
		s.accounts[accountID] = &cp
	}
	return nil
}

func NewInMemory() *InMemory {
	return &InMemory{accounts: make(map[id.AccountID]*models.Account)}
}

func (s *InMemory) Create(_ context.Context, account *models.Account) error {
	if account == nil {
		return sentinel.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

func (s *InMemory) Get(ctx context.Context, accountID id.AccountID) (*models.Account, error) {
	if st := stageFrom(ctx); st != nil {
		st.mu.Lock()
		staged, ok := st.writes[accountID]
		st.mu.Unlock()
		if ok {
			cp := *staged
			return &cp, nil
		}
	}
	return s.committed(accountID)
}

func (s *InMemory) committed(accountID id.AccountID) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *InMemory) ConditionalUpdate(ctx context.Context, accountID id.AccountID, expectedVersion, newBalance int64) (int64, error) {
	if newBalance < 0 {
		return 0, sentinel.ErrInvalidState
	}
	if st := stageFrom(ctx); st != nil {
		return s.stageUpdate(ctx, st, accountID, expectedVersion, newBalance)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	if acc.Version != expectedVersion {
		return 0, sentinel.ErrConflict
	}
	acc.Balance = newBalance
	acc.Version++
	acc.UpdatedAt = requestcontext.Now(ctx)
	return acc.Version, nil
}

func (s *InMemory) FindByContact(_ context.Context, contact string) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Account
	for _, acc := range s.accounts {
		if acc.Contact == contact {
			cp := *acc
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListAll returns every account ordered by id.
func (s *InMemory) ListAll(_ context.Context) ([]*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		cp := *acc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out, nil
}

func (s *InMemory) stageUpdate(ctx context.Context, st *stage, accountID id.AccountID, expectedVersion, newBalance int64) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	acc, staged := st.writes[accountID]
	if !staged {
		var err error
		if acc, err = s.committed(accountID); err != nil {
			return 0, err
		}
	}
	if acc.Version != expectedVersion {
		return 0, sentinel.ErrConflict
	}
	if !staged {
		st.base[accountID] = acc.Version
		st.order = append(st.order, accountID)
	}
	acc.Balance = newBalance
	acc.Version++
	acc.UpdatedAt = requestcontext.Now(ctx)
	st.writes[accountID] = acc
	return acc.Version, nil
}
