// Package auth holds the working access credential and coordinates its renewal.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoCredential is returned when neither the coordinator nor its store
	// holds a credential.
	ErrNoCredential = errors.New("no credential available")

	// ErrSessionExpired marks a fatal authentication failure. The session
	// cannot be recovered without a new login.
	ErrSessionExpired = errors.New("session expired")
)

// Credential is a bearer access token with its expiry.
type Credential struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Remaining returns the validity left at now. A credential without an
// expiry never runs out.
func (c *Credential) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return c.ExpiresAt.Sub(now)
}

// Store is the persistence contract for credentials.
// Get returns (nil, nil) when nothing is stored.
type Store interface {
	Get(ctx context.Context) (*Credential, error)
	Set(ctx context.Context, cred Credential) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps the credential in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	cred *Credential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cred == nil {
		return nil, nil
	}
	c := *s.cred
	return &c, nil
}

func (s *MemoryStore) Set(ctx context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}
