package payout

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payout store for demo/development mode.
// The one-non-failed-payout-per-transaction invariant is enforced under
// the store mutex, mirroring the partial unique index in postgres.
type MemoryStore struct {
	payouts  map[string][]*Payout // transactionID -> payouts (failed history + live)
	accounts map[string]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory payout store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payouts:  make(map[string][]*Payout),
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) CreatePayout(ctx context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.payouts[p.TransactionID] {
		if existing.Status != StatusFailed {
			return ErrDuplicatePayout
		}
	}
	cp := *p
	m.payouts[p.TransactionID] = append(m.payouts[p.TransactionID], &cp)
	return nil
}

// GetByTransaction returns the live payout for a transaction: the non-failed
// one if present, otherwise the most recent failed attempt.
func (m *MemoryStore) GetByTransaction(ctx context.Context, transactionID string) (*Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.payouts[transactionID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	for _, p := range list {
		if p.Status != StatusFailed {
			cp := *p
			return &cp, nil
		}
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (m *MemoryStore) UpdatePayout(ctx context.Context, p *Payout, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.payouts[p.TransactionID]
	for i, existing := range list {
		if existing.ID == p.ID {
			if existing.Status != expected {
				return ErrStalePayout
			}
			cp := *p
			list[i] = &cp
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int, opts ...ListOption) ([]*Payout, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Payout
	for _, list := range m.payouts {
		for _, p := range list {
			if p.SellerID != sellerID {
				continue
			}
			if o.cursor != nil && !beforeCursor(p, o.cursor.CreatedAt, o.cursor.ID) {
				continue
			}
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// beforeCursor reports whether the payout belongs to a page after the cursor
// in the newest-first ordering.
func beforeCursor(p *Payout, cursorAt time.Time, cursorID string) bool {
	if p.CreatedAt.Equal(cursorAt) {
		return p.ID < cursorID
	}
	return p.CreatedAt.Before(cursorAt)
}

func (m *MemoryStore) CreateAccount(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccountsBySeller(ctx context.Context, sellerID string) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, a := range m.accounts {
		if a.SellerID == sellerID {
			cp := *a
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) GetPreferredAccount(ctx context.Context, sellerID string) (*Account, error) {
	accounts, err := m.ListAccountsBySeller(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrAccountNotFound
	}
	for _, a := range accounts {
		if a.Default {
			return a, nil
		}
	}
	return accounts[0], nil
}
