package storage

import (
	"bytes"
	"sync"
	"time"
)

// Entry represents a stored value and its optional expiry.
type Entry struct {
	Value     []byte
	ExpiresAt *time.Time // nil if no expiration
}

// IsExpired checks if the entry has expired at the given instant.
func (e *Entry) IsExpired(now time.Time) bool {
	if e.ExpiresAt == nil {
		return false
	}
	return !now.Before(*e.ExpiresAt)
}

// TTL returns the remaining lifetime of the entry, or 0 if it never expires.
func (e *Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt == nil {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Store defines the per-key atomic operations a cache node offers.
type Store interface {
	// Get retrieves a value by key. Returns nil if not found or expired.
	Get(key string) *Entry
	// Set stores a value. A ttl <= 0 means the value never expires.
	Set(key string, value []byte, ttl time.Duration)
	// SetNX stores a value only if the key is absent. Reports whether it stored.
	SetNX(key string, value []byte, ttl time.Duration) bool
	// Delete removes a key. Reports whether a live key was removed.
	Delete(key string) bool
	// CompareAndDelete removes a key only if its current value equals expected.
	CompareAndDelete(key string, expected []byte) bool
	// Len returns the number of live keys.
	Len() int
}

// InMemoryStore is an in-memory implementation of Store.
// It's thread-safe and supports TTL expiration.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*Entry
	now  func() time.Time
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		data: make(map[string]*Entry),
		now:  time.Now,
	}
}

// Get retrieves a value by key.
func (s *InMemoryStore) Get(key string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, exists := s.data[key]
	if !exists {
		return nil
	}

	if e.IsExpired(s.now()) {
		// Clean up expired entry (best effort, don't block readers)
		go s.deleteExpired(key)
		return nil
	}

	// Return a copy to avoid external modifications
	return &Entry{
		Value:     append([]byte(nil), e.Value...),
		ExpiresAt: copyTime(e.ExpiresAt),
	}
}

// Set stores a value, replacing any previous value and expiry.
func (s *InMemoryStore) Set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = s.newEntry(value, ttl)
}

// SetNX stores a value only if no live value exists for key.
func (s *InMemoryStore) SetNX(key string, value []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, exists := s.data[key]; exists && !existing.IsExpired(s.now()) {
		return false
	}
	s.data[key] = s.newEntry(value, ttl)
	return true
}

// Delete removes a key.
func (s *InMemoryStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[key]
	if !exists {
		return false
	}
	delete(s.data, key)
	return !existing.IsExpired(s.now())
}

// CompareAndDelete removes key iff its live value equals expected.
func (s *InMemoryStore) CompareAndDelete(key string, expected []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[key]
	if !exists || existing.IsExpired(s.now()) {
		return false
	}
	if !bytes.Equal(existing.Value, expected) {
		return false
	}
	delete(s.data, key)
	return true
}

// Len returns the number of live keys.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.data {
		if !e.IsExpired(now) {
			n++
		}
	}
	return n
}

// Sweep removes every expired key and returns how many it removed.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, e := range s.data {
		if e.IsExpired(now) {
			delete(s.data, k)
			n++
		}
	}
	return n
}

func (s *InMemoryStore) newEntry(value []byte, ttl time.Duration) *Entry {
	e := &Entry{Value: append([]byte(nil), value...)}
	if ttl > 0 {
		expiresAt := s.now().Add(ttl)
		e.ExpiresAt = &expiresAt
	}
	return e
}

// deleteExpired removes an expired key (called asynchronously).
func (s *InMemoryStore) deleteExpired(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.data[key]; exists && e.IsExpired(s.now()) {
		delete(s.data, key)
	}
}

// copyTime creates a copy of a time pointer.
func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copy := *t
	return &copy
}
