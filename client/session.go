package client

import (
	"context"
	"sync"
)

// Session is the per-user state the login flow reads and writes. Each
// browser session gets its own Session value.
type Session interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Taker is implemented by sessions that can read and delete a key in one
// atomic step. NonceManager prefers it over Get followed by Delete.
type Taker interface {
	Take(ctx context.Context, key string) (string, bool, error)
}

// MemorySession is a Session backed by a map.
type MemorySession struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemorySession returns an empty session.
func NewMemorySession() *MemorySession {
	return &MemorySession{values: make(map[string]string)}
}

// Get returns the value stored under key.
func (s *MemorySession) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores value under key.
func (s *MemorySession) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Delete removes key.
func (s *MemorySession) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// Take returns and removes the value under key in one step.
func (s *MemorySession) Take(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	delete(s.values, key)
	return v, ok, nil
}
