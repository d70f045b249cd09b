package dispute

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	disputes  map[string]*Dispute
	proposals map[string]*Proposal
	messages  map[string][]*Message
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes:  make(map[string]*Dispute),
		proposals: make(map[string]*Proposal),
		messages:  make(map[string][]*Message),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.disputes {
		if existing.TransactionID == d.TransactionID && existing.Status.IsOpen() {
			return ErrAlreadyOpen
		}
	}
	if d.Version == 0 {
		d.Version = 1
	}
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute, guard Guard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != guard.Status || cur.Version != guard.Version {
		return ErrConflict
	}
	d.Version = guard.Version + 1
	m.disputes[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[id]; !ok {
		return ErrNotFound
	}
	delete(m.disputes, id)
	return nil
}

func (m *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	result := m.list(func(d *Dispute) bool { return d.TransactionID == transactionID })
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	result := m.list(func(d *Dispute) bool { return d.Status.IsOpen() })
	return byDeadline(result, limit), nil
}

func (m *MemoryStore) ListEscalatable(ctx context.Context, now time.Time, limit int) ([]*Dispute, error) {
	result := m.list(func(d *Dispute) bool {
		switch d.Status {
		case StatusOpen, StatusNegotiating, StatusResponded:
			return !d.IsSettling() && !now.Before(d.DisputeDeadline)
		}
		return false
	})
	return byDeadline(result, limit), nil
}

func (m *MemoryStore) list(match func(*Dispute) bool) []*Dispute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if match(d) {
			result = append(result, d.Clone())
		}
	}
	return result
}

func byDeadline(ds []*Dispute, limit int) []*Dispute {
	sort.Slice(ds, func(i, j int) bool { return ds[i].DisputeDeadline.Before(ds[j].DisputeDeadline) })
	if limit > 0 && len(ds) > limit {
		ds = ds[:limit]
	}
	return ds
}

func (m *MemoryStore) CreateProposal(ctx context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.proposals {
		if existing.DisputeID == p.DisputeID && existing.Status == ProposalPending {
			return ErrPendingProposal
		}
	}
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrProposalNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) UpdateProposal(ctx context.Context, p *Proposal, from ProposalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.proposals[p.ID]
	if !ok {
		return ErrProposalNotFound
	}
	if cur.Status != from {
		return ErrConflict
	}
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Proposal
	for _, p := range m.proposals {
		if p.DisputeID == disputeID {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[disputeID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
