package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStore keeps per-session key/value state for browser sessions.
// Take reads and deletes a value in one atomic step.
type SessionStore interface {
	NewID() string
	Get(ctx context.Context, id, key string) (string, bool, error)
	Set(ctx context.Context, id, key, value string) error
	Delete(ctx context.Context, id, key string) error
	Take(ctx context.Context, id, key string) (string, bool, error)
	Destroy(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type sessionRecord struct {
	values    map[string]string
	expiresAt time.Time
}

// InMemoryStore keeps ephemeral session state in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord
	ttl      time.Duration
	now      func() time.Time
}

// NewInMemoryStore constructs the store. Sessions idle longer than ttl expire.
func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &InMemoryStore{
		sessions: make(map[string]*sessionRecord),
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewID generates a random session identifier.
func (s *InMemoryStore) NewID() string {
	return uuid.NewString()
}

// Get retrieves a value from a live session.
func (s *InMemoryStore) Get(_ context.Context, id, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok || s.expired(rec) {
		return "", false, nil
	}
	v, ok := rec.values[key]
	return v, ok, nil
}

// Set stores a value, creating the session if needed and extending its expiry.
func (s *InMemoryStore) Set(_ context.Context, id, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok || s.expired(rec) {
		rec = &sessionRecord{values: make(map[string]string)}
		s.sessions[id] = rec
	}
	rec.values[key] = value
	rec.expiresAt = s.now().Add(s.ttl)
	return nil
}

// Delete removes a single value.
func (s *InMemoryStore) Delete(_ context.Context, id, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[id]; ok {
		delete(rec.values, key)
	}
	return nil
}

// Take fetches and removes a value.
func (s *InMemoryStore) Take(_ context.Context, id, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok || s.expired(rec) {
		return "", false, nil
	}
	v, ok := rec.values[key]
	delete(rec.values, key)
	return v, ok, nil
}

// Destroy removes a session and all its values.
func (s *InMemoryStore) Destroy(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Ping always succeeds.
func (s *InMemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of stored sessions, expired ones included.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops expired sessions and returns how many were removed.
func (s *InMemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, rec := range s.sessions {
		if s.expired(rec) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// StartCleanup sweeps expired sessions every interval until ctx is done.
func (s *InMemoryStore) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

func (s *InMemoryStore) expired(rec *sessionRecord) bool {
	return !s.now().Before(rec.expiresAt)
}
