package saga

import (
	"context"
	"sync"
)

// MemoryRepository is an in-process Repository backed by two maps, used in
// tests and for state machines that don't need durability across restarts.
// Every read and write deep-clones the instance so callers can't mutate
// stored state through a returned pointer.
type MemoryRepository struct {
	mu       sync.Mutex
	active   map[string]*Instance
	archived map[string]*Instance
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		active:   map[string]*Instance{},
		archived: map[string]*Instance{},
	}
}

func (r *MemoryRepository) FindByCorrelationID(ctx context.Context, id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.active[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (r *MemoryRepository) Save(ctx context.Context, instance *Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.active[instance.CorrelationID]
	if ok && existing.Version != instance.Version {
		return &VersionConflict{CorrelationID: instance.CorrelationID, Expected: existing.Version}
	}
	if !ok && instance.Version != 0 {
		return &VersionConflict{CorrelationID: instance.CorrelationID, Expected: 0}
	}

	stored := instance.Clone()
	stored.Version++
	r.active[instance.CorrelationID] = stored
	instance.Version = stored.Version
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
	return nil
}

func (r *MemoryRepository) Archive(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.active[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.active, id)
	r.archived[id] = inst
	return nil
}

func (r *MemoryRepository) FindByState(ctx context.Context, stateName string) ([]*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Instance
	for _, inst := range r.active {
		if inst.CurrentState == stateName {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

func (r *MemoryRepository) Count(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.active)), nil
}

var _ Repository = (*MemoryRepository)(nil)
