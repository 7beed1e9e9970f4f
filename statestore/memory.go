package statestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process history mirror with the same TTL semantics as RedisStore.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	history   *History
	expiresAt time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryTTL sets the TTL. Zero disables expiry.
func WithMemoryTTL(ttl time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.ttl = ttl }
}

// withClock replaces time.Now; used by tests.
func withClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory mirror.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     defaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns a copy of the stored history.
func (s *MemoryStore) Load(_ context.Context, sessionKey string) (*History, error) {
	if sessionKey == "" {
		return nil, ErrInvalidID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[sessionKey]
	if !ok || s.expired(e) {
		return nil, ErrNotFound
	}
	return copyHistory(e.history), nil
}

// Save stores a copy of h.
func (s *MemoryStore) Save(_ context.Context, h *History) error {
	if h == nil {
		return ErrInvalidState
	}
	if h.SessionKey == "" {
		return ErrInvalidID
	}

	now := s.now()
	h.UpdatedAt = now

	e := memoryEntry{history: copyHistory(h)}
	if s.ttl > 0 {
		e.expiresAt = now.Add(s.ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[h.SessionKey] = e
	return nil
}

// Delete removes a session key.
func (s *MemoryStore) Delete(_ context.Context, sessionKey string) error {
	if sessionKey == "" {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionKey)
	return nil
}

// List returns unexpired session keys newest first.
func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type item struct {
		key string
		at  time.Time
	}
	items := make([]item, 0, len(s.entries))
	for key, e := range s.entries {
		if s.expired(e) {
			continue
		}
		items = append(items, item{key: key, at: e.history.UpdatedAt})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].at.After(items[j].at) })

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.key
	}
	return keys, nil
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
