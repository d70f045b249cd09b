package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/trustline/internal/deadline"
	"github.com/mbd888/trustline/internal/pagination"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	repairs      []*Repair
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.Version == 0 {
		t.Version = 1
	}
	m.transactions[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Transaction, guard Guard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.transactions[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != guard.Status || cur.Version != guard.Version {
		return ErrConflict
	}
	t.Version = guard.Version + 1
	m.transactions[t.ID] = t.Clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, limit int, after *pagination.Cursor) ([]*Transaction, error) {
	return m.list(limit, func(t *Transaction) bool {
		return t.IsParty(userID) && after.Admits(t.CreatedAt, t.ID)
	}), nil
}

func (m *MemoryStore) ListOverduePending(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return m.oldest(limit, func(t *Transaction) bool {
		return t.Status == StatusPending && t.HoldRef == "" && t.Deadlines(now).Overdue(now)
	}), nil
}

func (m *MemoryStore) ListAwaitingActivation(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return m.oldest(limit, func(t *Transaction) bool {
		return t.Status == StatusPaid && t.SellerValidated && t.ValidationDeadline == nil &&
			deadline.CanActivate(t.ServiceDate, t.ServiceEndDate, now)
	}), nil
}

func (m *MemoryStore) ListValidationDue(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return m.oldest(limit, func(t *Transaction) bool {
		return t.Status == StatusPaid && t.SellerValidated && !t.BuyerValidated && !t.FundsReleased &&
			t.ValidationDeadline != nil && !now.Before(*t.ValidationDeadline)
	}), nil
}

func (m *MemoryStore) ListApprovedDateChanges(ctx context.Context, now time.Time, limit int) ([]*Transaction, error) {
	return m.oldest(limit, func(t *Transaction) bool {
		if t.DateChangeStatus != DateChangeApproved {
			return false
		}
		if t.Status != StatusPending && t.Status != StatusExpired {
			return false
		}
		if !isStale(t, t.Deadlines(now).Final(), now) {
			return false
		}
		return t.Status != StatusExpired || !m.flaggedLocked(t.ID)
	}), nil
}

// flaggedLocked reports whether a flagged_expired entry exists. Callers hold
// m.mu.
func (m *MemoryStore) flaggedLocked(transactionID string) bool {
	for _, r := range m.repairs {
		if r.TransactionID == transactionID && r.Action == RepairActionFlagged {
			return true
		}
	}
	return false
}

// list returns copies of matching transactions, newest first.
func (m *MemoryStore) list(limit int, match func(*Transaction) bool) []*Transaction {
	return m.collect(limit, match, func(a, b *Transaction) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

// oldest returns copies of matching transactions, oldest first, the order
// the sweeper works through a backlog.
func (m *MemoryStore) oldest(limit int, match func(*Transaction) bool) []*Transaction {
	return m.collect(limit, match, func(a, b *Transaction) bool {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

func (m *MemoryStore) collect(limit int, match func(*Transaction) bool, less func(a, b *Transaction) bool) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if match(t) {
			result = append(result, t.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return less(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (m *MemoryStore) RecordRepair(ctx context.Context, r *Repair) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.repairs {
		if existing.TransactionID == r.TransactionID && existing.Action == r.Action && sameTime(existing.OldDeadline, r.OldDeadline) {
			return false, nil
		}
	}
	cp := *r
	m.repairs = append(m.repairs, &cp)
	return true, nil
}

func (m *MemoryStore) ListRepairs(ctx context.Context, transactionID string) ([]*Repair, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Repair
	for _, r := range m.repairs {
		if transactionID == "" || r.TransactionID == transactionID {
			cp := *r
			result = append(result, &cp)
		}
	}
	return result, nil
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

var _ Store = (*MemoryStore)(nil)
