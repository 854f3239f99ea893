package session

import (
	"context"
	"sync"
	"time"

	"faucet-bot/internal/models"
)

const defaultMemoryCapacity = 10000

type memoryEntry struct {
	session   models.Session
	expiresAt time.Time
}

// MemoryStore keeps sessions in process. Entries expire after ttl and the
// oldest entry is evicted once capacity is reached.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[int64]memoryEntry
	marks    map[string]time.Time
	sweepAt  int
	now      func() time.Time
}

func NewMemoryStore(ttl time.Duration, capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[int64]memoryEntry),
		marks:    make(map[string]time.Time),
		sweepAt:  capacity,
		now:      time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[userID]
	if !ok {
		return models.Session{}, nil
	}
	if m.ttl > 0 && m.now().After(e.expiresAt) {
		delete(m.entries, userID)
		return models.Session{}, nil
	}
	return e.session, nil
}

func (m *MemoryStore) Save(_ context.Context, userID int64, s models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if _, ok := m.entries[userID]; !ok && len(m.entries) >= m.capacity {
		m.evictLocked(now)
	}
	m.entries[userID] = memoryEntry{session: s, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, userID)
	return nil
}

// MarkOnce returns true the first time key is marked within ttl.
func (m *MemoryStore) MarkOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if until, ok := m.marks[key]; ok && now.Before(until) {
		return false, nil
	}
	if len(m.marks) >= m.sweepAt {
		m.sweepMarksLocked(now)
	}
	m.marks[key] = now.Add(ttl)
	return true, nil
}

// sweepMarksLocked drops expired marks. The next sweep waits until the table
// has doubled, so a pass over many users stays linear.
func (m *MemoryStore) sweepMarksLocked(now time.Time) {
	for k, until := range m.marks {
		if !now.Before(until) {
			delete(m.marks, k)
		}
	}
	m.sweepAt = max(m.capacity, 2*len(m.marks))
}

// evictLocked drops expired entries, or the one closest to expiry if none are.
func (m *MemoryStore) evictLocked(now time.Time) {
	var (
		oldestID int64
		oldest   time.Time
		found    bool
	)
	for id, e := range m.entries {
		if m.ttl > 0 && now.After(e.expiresAt) {
			delete(m.entries, id)
			continue
		}
		if !found || e.expiresAt.Before(oldest) {
			oldestID, oldest, found = id, e.expiresAt, true
		}
	}
	if len(m.entries) >= m.capacity && found {
		delete(m.entries, oldestID)
	}
}
