package client

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestNonceIssueConsume(t *testing.T) {
	m := NewNonceManager()
	sess := NewMemorySession()
	ctx := context.Background()

	nonce, err := m.Issue(ctx, sess)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(nonce) != 36 {
		t.Fatalf("expected uuid nonce, got %q", nonce)
	}

	got, ok, err := m.Consume(ctx, sess)
	if err != nil || !ok || got != nonce {
		t.Fatalf("consume: %q %v %v", got, ok, err)
	}
	if _, ok, _ := m.Consume(ctx, sess); ok {
		t.Fatalf("nonce must be single use")
	}
}

func TestNonceReissueReplaces(t *testing.T) {
	m := NewNonceManager()
	sess := NewMemorySession()
	ctx := context.Background()

	first, _ := m.Issue(ctx, sess)
	second, _ := m.Issue(ctx, sess)
	if first == second {
		t.Fatalf("expected distinct nonces")
	}
	got, _, _ := m.Consume(ctx, sess)
	if got != second {
		t.Fatalf("expected latest nonce, got %q", got)
	}
}

func TestNonceSessionsAreIsolated(t *testing.T) {
	m := NewNonceManager()
	ctx := context.Background()

	const n = 50
	sessions := make([]*MemorySession, n)
	nonces := make([]string, n)
	var wg sync.WaitGroup
	for i := range sessions {
		sessions[i] = NewMemorySession()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			nonce, err := m.Issue(ctx, sessions[i])
			if err != nil {
				t.Errorf("issue: %v", err)
				return
			}
			nonces[i] = nonce
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i, sess := range sessions {
		got, ok, err := m.Consume(ctx, sess)
		if err != nil || !ok || got != nonces[i] {
			t.Fatalf("session %d: got %q %v %v, want %q", i, got, ok, err, nonces[i])
		}
		if seen[got] {
			t.Fatalf("duplicate nonce %q", got)
		}
		seen[got] = true
	}
}

// plainSession hides MemorySession's Take.
type plainSession struct {
	Session
	deleteErr error
}

func (s *plainSession) Delete(ctx context.Context, key string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.Session.Delete(ctx, key)
}

func TestNonceConsumeWithoutTaker(t *testing.T) {
	m := NewNonceManager()
	sess := &plainSession{Session: NewMemorySession()}
	ctx := context.Background()

	nonce, _ := m.Issue(ctx, sess)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := m.Consume(ctx, sess)
			if err != nil {
				t.Errorf("consume: %v", err)
				return
			}
			if ok {
				if got != nonce {
					t.Errorf("unexpected nonce %q", got)
				}
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one consumer to win, got %d", wins)
	}
}

func TestNonceNotReturnedWhenDeleteFails(t *testing.T) {
	m := NewNonceManager()
	boom := errors.New("store down")
	sess := &plainSession{Session: NewMemorySession(), deleteErr: boom}
	ctx := context.Background()

	if _, err := m.Issue(ctx, sess); err != nil {
		t.Fatalf("issue: %v", err)
	}
	got, ok, err := m.Consume(ctx, sess)
	if !errors.Is(err, boom) {
		t.Fatalf("expected delete error, got %v", err)
	}
	if ok || got != "" {
		t.Fatalf("nonce leaked despite failed delete: %q", got)
	}
}
