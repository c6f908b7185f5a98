package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NonceSessionKey is the session key holding the outstanding nonce.
const NonceSessionKey = "oidc.nonce"

// NonceManager issues and consumes single-use nonces stored in the session.
type NonceManager struct {
	// mu serializes Get+Delete for sessions that do not implement Taker.
	mu       sync.Mutex
	generate func() (string, error)
}

// NewNonceManager returns a manager generating random UUIDv4 nonces.
func NewNonceManager() *NonceManager {
	return &NonceManager{generate: newNonce}
}

// Issue creates a nonce, stores it in sess and returns it.
func (m *NonceManager) Issue(ctx context.Context, sess Session) (string, error) {
	nonce, err := m.generate()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	if err := sess.Set(ctx, NonceSessionKey, nonce); err != nil {
		return "", fmt.Errorf("store nonce: %w", err)
	}
	return nonce, nil
}

// Consume removes the stored nonce from sess and returns it. The second call
// after one Issue reports ok=false. A nonce is never returned unless its
// deletion succeeded.
func (m *NonceManager) Consume(ctx context.Context, sess Session) (nonce string, ok bool, err error) {
	if taker, isTaker := sess.(Taker); isTaker {
		nonce, ok, err = taker.Take(ctx, NonceSessionKey)
		if err != nil {
			return "", false, fmt.Errorf("consume nonce: %w", err)
		}
		return nonce, ok, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	nonce, ok, err = sess.Get(ctx, NonceSessionKey)
	if err != nil {
		return "", false, fmt.Errorf("read nonce: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	if err := sess.Delete(ctx, NonceSessionKey); err != nil {
		return "", false, fmt.Errorf("delete nonce: %w", err)
	}
	return nonce, true, nil
}

func newNonce() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
