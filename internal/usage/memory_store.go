package usage

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	usedBytes   int64
	lastUpdated time.Time
}

// MemoryStore is a process-local Store with TTL expiry and age-based
// eviction once MaxEntries is reached.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	ttl        time.Duration
	maxEntries int
}

func NewMemoryStore(ttl time.Duration, maxEntries int) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]memoryEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (s *MemoryStore) Get(ctx context.Context, ownerID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ownerID]
	if !ok {
		return 0, false, nil
	}
	if s.expired(entry, timeNowFunc()) {
		delete(s.entries, ownerID)
		return 0, false, nil
	}
	return entry.usedBytes, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, ownerID string, usedBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[ownerID]; !exists && len(s.entries) >= s.maxEntries {
		s.evictOldest()
	}
	s.entries[ownerID] = memoryEntry{usedBytes: clamp(usedBytes), lastUpdated: timeNowFunc()}
	return nil
}

func (s *MemoryStore) Increment(ctx context.Context, ownerID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ownerID]
	if !ok {
		return nil
	}
	now := timeNowFunc()
	if s.expired(entry, now) {
		delete(s.entries, ownerID)
		return nil
	}
	s.entries[ownerID] = memoryEntry{usedBytes: clamp(entry.usedBytes + delta), lastUpdated: now}
	return nil
}

func (s *MemoryStore) Evict(ctx context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ownerID)
	return nil
}

// Sweep drops every expired entry and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeNowFunc()
	removed := 0
	for ownerID, entry := range s.entries {
		if s.expired(entry, now) {
			delete(s.entries, ownerID)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) expired(entry memoryEntry, now time.Time) bool {
	return now.Sub(entry.lastUpdated) > s.ttl
}

// evictOldest drops the least recently updated tenth of the entries, at least
// one. Caller holds mu.
func (s *MemoryStore) evictOldest() {
	type aged struct {
		ownerID     string
		lastUpdated time.Time
	}
	all := make([]aged, 0, len(s.entries))
	for ownerID, entry := range s.entries {
		all = append(all, aged{ownerID: ownerID, lastUpdated: entry.lastUpdated})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastUpdated.Before(all[j].lastUpdated)
	})

	n := len(all) / 10
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		delete(s.entries, a.ownerID)
	}
}
