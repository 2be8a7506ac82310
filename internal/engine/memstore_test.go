package engine_test

import (
	"context"
	"strings"
	"sync"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine/fault"
	"taskmarket/internal/repo"
)

// memStore is an in-memory task/bid store with the same conditional
// write semantics as the SQL stores. It exists so the acceptance race
// can be driven with real goroutines without depending on SQLite's
// write serialization.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
	bids  map[string]domain.Bid
}

func newMemStore() *memStore {
	return &memStore{
		tasks: map[string]domain.Task{},
		bids:  map[string]domain.Bid{},
	}
}

func (s *memStore) Insert(_ context.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	return nil
}

func (s *memStore) Get(_ context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, repo.ErrNotFound
	}
	return t, nil
}

func (s *memStore) List(_ context.Context, f repo.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []domain.Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.ExpiresBefore != "" && strings.Compare(t.ExpiresAt, f.ExpiresBefore) > 0 {
			continue
		}
		res = append(res, t)
	}
	return res, nil
}

func (s *memStore) UpdateStatusIf(_ context.Context, t domain.Task, expect string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || cur.Status != expect {
		return false, nil
	}
	s.tasks[t.ID] = t
	return true, nil
}

type memBids struct {
	store *memStore
}

func (s memBids) InsertPending(_ context.Context, b domain.Bid) (bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	t, ok := s.store.tasks[b.TaskID]
	if !ok {
		return false, repo.ErrNotFound
	}
	if t.Status != domain.TaskOpen {
		return false, nil
	}
	for _, other := range s.store.bids {
		if other.TaskID == b.TaskID && other.ProviderID == b.ProviderID && other.Status == domain.BidPending {
			return false, fault.ConflictError{Resource: "bid", Reason: "provider already has a pending bid on this task"}
		}
	}
	s.store.bids[b.ID] = b
	t.BidsCount++
	s.store.tasks[t.ID] = t
	return true, nil
}

func (s memBids) Get(_ context.Context, id string) (domain.Bid, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	b, ok := s.store.bids[id]
	if !ok {
		return domain.Bid{}, repo.ErrNotFound
	}
	return b, nil
}

func (s memBids) ListByTask(_ context.Context, taskID string) ([]domain.Bid, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	var res []domain.Bid
	for _, b := range s.store.bids {
		if b.TaskID == taskID {
			res = append(res, b)
		}
	}
	return res, nil
}

// Accept holds the store lock for the whole unit, mirroring the SQL
// transaction: CAS the task, accept the target bid, reject the rest.
func (s memBids) Accept(_ context.Context, p repo.AcceptParams) (bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	t, ok := s.store.tasks[p.TaskID]
	if !ok || t.Status != domain.TaskOpen {
		return false, nil
	}
	target, ok := s.store.bids[p.BidID]
	if !ok || target.Status != domain.BidPending {
		return false, fault.ConflictError{Resource: "bid", Reason: "bid is no longer pending"}
	}
	t.Status = domain.TaskAssigned
	provider := p.ProviderID
	t.AssignedProviderID = &provider
	ts := p.RespondedAt
	t.AssignedAt = &ts
	s.store.tasks[t.ID] = t

	target.Status = domain.BidAccepted
	target.RespondedAt = &ts
	s.store.bids[target.ID] = target
	for id, b := range s.store.bids {
		if b.TaskID == p.TaskID && b.ID != p.BidID && b.Status == domain.BidPending {
			b.Status = domain.BidRejected
			b.RespondedAt = &ts
			note := p.AutoRejectNote
			b.ResponseNote = &note
			s.store.bids[id] = b
		}
	}
	return true, nil
}

func (s memBids) Reject(_ context.Context, bidID, note, ts string) (bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	b, ok := s.store.bids[bidID]
	if !ok || b.Status != domain.BidPending {
		return false, nil
	}
	b.Status = domain.BidRejected
	b.RespondedAt = &ts
	s.store.bids[bidID] = b
	return true, nil
}

func (s memBids) Withdraw(_ context.Context, bidID, taskID, note, ts string) (bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	b, ok := s.store.bids[bidID]
	if !ok || b.Status != domain.BidPending {
		return false, nil
	}
	b.Status = domain.BidWithdrawn
	b.RespondedAt = &ts
	s.store.bids[bidID] = b
	if t, ok := s.store.tasks[taskID]; ok && t.BidsCount > 0 {
		t.BidsCount--
		s.store.tasks[taskID] = t
	}
	return true, nil
}

func (s memBids) RejectAllPending(_ context.Context, taskID, note, ts string) (int, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	n := 0
	for id, b := range s.store.bids {
		if b.TaskID == taskID && b.Status == domain.BidPending {
			b.Status = domain.BidRejected
			b.RespondedAt = &ts
			s.store.bids[id] = b
			n++
		}
	}
	return n, nil
}
