package ratelimit

import (
	"sync"
	"time"
)

const (
	// defaultMaxEntries bounds the in-memory store so an attacker cycling
	// principals cannot grow it without limit.
	defaultMaxEntries = 10000

	// sweepInterval is how often the background sweeper removes expired
	// windows.
	sweepInterval = 60 * time.Second
)

// entry is one fixed-window counter. resetAt is fixed when the window opens
// and is not pushed forward by later increments (strict fixed-window).
type entry struct {
	count      int64
	resetAt    time.Time
	insertedAt time.Time
}

// memoryStore is the bounded in-memory limiter backend.
type memoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	max     int
	done    chan struct{}
}

func newMemoryStore(max int) *memoryStore {
	s := &memoryStore{
		entries: make(map[string]*entry),
		max:     max,
		done:    make(chan struct{}),
	}
	go s.sweeper()
	return s
}

func (s *memoryStore) close() {
	close(s.done)
}

func (s *memoryStore) sweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.sweepLocked(time.Now())
			s.mu.Unlock()
		}
	}
}

// sweepLocked removes expired entries. Callers must hold mu.
func (s *memoryStore) sweepLocked(now time.Time) {
	for k, e := range s.entries {
		if now.After(e.resetAt) {
			delete(s.entries, k)
		}
	}
}

// evictOldestLocked removes the entry with the earliest insertion time.
// Callers must hold mu.
func (s *memoryStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range s.entries {
		if oldestKey == "" || e.insertedAt.Before(oldest) {
			oldestKey = k
			oldest = e.insertedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

// incr increments the counter for key within its current window and returns
// the new count. An expired window restarts the counter at 1.
func (s *memoryStore) incr(key string, window time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok {
		if now.After(e.resetAt) {
			e.count = 1
			e.resetAt = now.Add(window)
			return 1
		}
		e.count++
		return e.count
	}

	if len(s.entries) >= s.max {
		s.sweepLocked(now)
		if len(s.entries) >= s.max {
			s.evictOldestLocked()
		}
	}

	s.entries[key] = &entry{count: 1, resetAt: now.Add(window), insertedAt: now}
	return 1
}

// len reports the current entry count (test hook).
func (s *memoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
