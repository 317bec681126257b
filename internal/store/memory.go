package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and database-less deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*InstanceRecord
	events    map[string][]*EventRecord
	nextID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*InstanceRecord),
		events:    make(map[string][]*EventRecord),
	}
}

func (s *MemoryStore) CreateInstance(_ context.Context, rec *InstanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[rec.ID]; ok {
		return nil
	}
	cp := *rec
	cp.CreatedAt = timeOrNow(rec.CreatedAt)
	cp.UpdatedAt = timeOrNow(rec.UpdatedAt)
	cp.Path = append([]string(nil), rec.Path...)
	s.instances[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	cp := *rec
	cp.Path = append([]string(nil), rec.Path...)
	return &cp, nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, id string, update InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.instances[id]
	if !ok {
		return storeNotFound("instance", id)
	}
	if update.Status != nil {
		rec.Status = *update.Status
	}
	if update.NodesCreated != nil {
		rec.NodesCreated = *update.NodesCreated
	}
	if update.NodesFailed != nil {
		rec.NodesFailed = *update.NodesFailed
	}
	if update.Path != nil {
		rec.Path = append([]string(nil), update.Path...)
	}
	if update.EndedAt != nil {
		rec.EndedAt = update.EndedAt
	}
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*InstanceRecord
	for _, rec := range s.instances {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Executor != "" && rec.Executor != filter.Executor {
			continue
		}
		cp := *rec
		cp.Path = append([]string(nil), rec.Path...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return storeNotFound("instance", id)
	}
	delete(s.instances, id)
	delete(s.events, id)
	return nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *event
	cp.ID = s.nextID
	cp.Sequence = int64(len(s.events[event.InstanceID]) + 1)
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &cp)
	event.ID = cp.ID
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, instanceID string, since int64) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*EventRecord
	for _, ev := range s.events[instanceID] {
		if ev.Sequence > since {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Vacuum(context.Context) error  { return nil }
func (s *MemoryStore) Close() error                  { return nil }
