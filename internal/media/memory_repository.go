package media

import (
	"context"
	"fmt"
	"sync"
)

type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*MediaRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*MediaRecord)}
}

func (r *MemoryRepository) Create(ctx context.Context, m *MediaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[m.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, m.ID)
	}
	stored := *m
	r.records[m.ID] = &stored
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id string) (*MediaRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, exists := r.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	result := *m
	return &result, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.records, id)
	return nil
}

func (r *MemoryRepository) AggregateUsage(ctx context.Context, ownerID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, m := range r.records {
		if m.OwnerID == ownerID {
			total += m.Size
		}
	}
	return total, nil
}

func (r *MemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
