package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/petrijr/reelflow/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store and ApprovalStore backed
// by maps. Everything is lost when the process exits.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*api.Instance
	history   map[string][]api.HistoryEvent
	approvals map[string]api.ApprovalRecord
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*api.Instance),
		history:   make(map[string][]api.HistoryEvent),
		approvals: make(map[string]api.ApprovalRecord),
	}
}

// Ensure InMemoryStore implements the interfaces.
var _ Backend = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateInstance(ctx context.Context, inst *api.Instance, events []api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return ErrInstanceExists
	}

	inst.HistoryLen = len(events)
	s.instances[inst.ID] = inst.Clone()
	s.history[inst.ID] = indexEvents(events, 0)
	return nil
}

func (s *InMemoryStore) Commit(ctx context.Context, inst *api.Instance, expect Version, events []api.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ID]
	if !ok {
		return ErrInstanceNotFound
	}
	if VersionOf(cur) != expect {
		return ErrHistoryConflict
	}

	base, length := nextLength(inst, expect, len(events))
	hist := s.history[inst.ID]
	if base == 0 {
		hist = nil
	}
	s.history[inst.ID] = append(hist, indexEvents(events, base)...)

	inst.HistoryLen = length
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *InMemoryStore) GetInstance(ctx context.Context, id string) (*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Instance
	for _, inst := range s.instances {
		if filter.Name != "" && inst.Name != filter.Name {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		result = append(result, inst.Clone())
	}
	sortInstances(result)
	return result, nil
}

func (s *InMemoryStore) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.instances[id]; !ok {
		return nil, ErrInstanceNotFound
	}
	hist := s.history[id]
	out := make([]api.HistoryEvent, len(hist))
	copy(out, hist)
	return out, nil
}

func (s *InMemoryStore) SaveApproval(ctx context.Context, rec api.ApprovalRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.approvals[rec.Code] = rec
	return nil
}

func (s *InMemoryStore) GetApproval(ctx context.Context, code string) (api.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.approvals[code]
	if !ok {
		return api.ApprovalRecord{}, ErrApprovalNotFound
	}
	return rec, nil
}

func sortInstances(list []*api.Instance) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
