package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
// The CAS contract of UpdateHold is enforced under the store mutex.
type MemoryStore struct {
	transactions map[string]*Transaction
	holds        map[string]*Hold
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		holds:        make(map[string]*Hold),
	}
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction, hold *Hold) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[tx.ID]; ok {
		return ErrDuplicate
	}
	txCopy := *tx
	holdCopy := *hold
	m.transactions[tx.ID] = &txCopy
	m.holds[tx.ID] = &holdCopy
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetHold(ctx context.Context, transactionID string) (*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hold, ok := m.holds[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *hold
	return &cp, nil
}

func (m *MemoryStore) UpdateHold(ctx context.Context, hold *Hold, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.holds[hold.TransactionID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expected {
		return ErrStaleState
	}
	cp := *hold
	m.holds[hold.TransactionID] = &cp
	return nil
}

func (m *MemoryStore) ListBySeller(ctx context.Context, sellerID string, limit int, opts ...ListOption) ([]*Transaction, error) {
	o := applyListOpts(opts)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.SellerID != sellerID {
			continue
		}
		if o.cursor != nil && !beforeCursor(tx.CreatedAt, tx.ID, o.cursor.CreatedAt, o.cursor.ID) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
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

// beforeCursor reports whether (createdAt, id) sorts after the cursor in the
// newest-first ordering, i.e. belongs to a later page.
func beforeCursor(createdAt time.Time, id string, cursorAt time.Time, cursorID string) bool {
	if createdAt.Equal(cursorAt) {
		return id < cursorID
	}
	return createdAt.Before(cursorAt)
}

func (m *MemoryStore) ListReleaseRequested(ctx context.Context, requestedBefore time.Time, limit int) ([]*Hold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Hold
	for _, h := range m.holds {
		if h.Status != StatusReleaseRequested {
			continue
		}
		if h.ReleaseReqAt == nil || !h.ReleaseReqAt.Before(requestedBefore) {
			continue
		}
		cp := *h
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
