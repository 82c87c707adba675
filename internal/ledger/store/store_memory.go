package store

import (
	"context"
	"sync"

	"remit/internal/ledger/models"
	id "remit/pkg/domain"
	"remit/pkg/platform/sentinel"
)

// InMemory is an append-only ledger held in a slice ordered by Seq, with an
// index on idempotency key.
type InMemory struct {
	mu      sync.RWMutex
	entries []*models.Transaction
	byKey   map[string]*models.Transaction
	nextSeq int64
}

func NewInMemory() *InMemory {
	return &InMemory{
		byKey:   make(map[string]*models.Transaction),
		nextSeq: 1,
	}
}

func (s *InMemory) Append(_ context.Context, tx *models.Transaction) (*models.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[tx.IdempotencyKey]; ok {
		return nil, sentinel.ErrAlreadyUsed
	}
	cp := *tx
	cp.Seq = s.nextSeq
	s.nextSeq++
	s.entries = append(s.entries, &cp)
	s.byKey[cp.IdempotencyKey] = &cp

	out := cp
	return &out, nil
}

func (s *InMemory) FindByIdempotencyKey(_ context.Context, key string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byKey[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *InMemory) ListFor(_ context.Context, accountID id.AccountID, query models.ListQuery) (*models.Page, error) {
	query = query.Normalize()
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := &models.Page{Entries: []*models.Transaction{}}
	for i := len(s.entries) - 1; i >= 0; i-- {
		tx := s.entries[i]
		if !query.Matches(accountID, tx) {
			continue
		}
		if len(page.Entries) == query.Limit {
			page.NextBefore = page.Entries[len(page.Entries)-1].Seq
			break
		}
		cp := *tx
		page.Entries = append(page.Entries, &cp)
	}
	return page, nil
}

// ListReconciliation returns entries flagged for manual repair, oldest first.
func (s *InMemory) ListReconciliation(_ context.Context) ([]*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Transaction
	for _, tx := range s.entries {
		if tx.ReconciliationRequired {
			cp := *tx
			out = append(out, &cp)
		}
	}
	return out, nil
}

// NetFlow sums completed credits minus completed debits for accountID.
func (s *InMemory) NetFlow(_ context.Context, accountID id.AccountID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var net int64
	for _, tx := range s.entries {
		if !tx.IsCompleted() {
			continue
		}
		if tx.RecipientID == accountID {
			net += tx.Amount
		}
		if tx.SenderID == accountID {
			net -= tx.Amount
		}
	}
	return net, nil
}
