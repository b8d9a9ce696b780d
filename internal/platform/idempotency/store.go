// Package idempotency stores the outcome of mutating operations under a
// caller-supplied key so retries return the original result.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultTTL is how long a completed result stays replayable.
const DefaultTTL = 24 * time.Hour

// Entry is a stored operation result.
type Entry struct {
	// Fingerprint identifies the logical request the key was first used for.
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store persists entries. Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// MemoryStore keeps entries in process with TTL expiry and an hourly sweep.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	ttl     time.Duration
	nowFunc func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore starts a store whose entries live for ttl (DefaultTTL when
// ttl <= 0). Call Stop to end the sweep goroutine.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]*Entry),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || s.nowFunc().After(e.ExpiresAt) {
		return nil, false, nil
	}
	cp := *e
	cp.Payload = append(json.RawMessage(nil), e.Payload...)
	return &cp, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	if cp.ExpiresAt.IsZero() {
		cp.ExpiresAt = cp.CreatedAt.Add(s.ttl)
	}
	cp.Payload = append(json.RawMessage(nil), entry.Payload...)
	s.entries[key] = &cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
