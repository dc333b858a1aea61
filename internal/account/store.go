// Package account stores the links between chat users and their streaming
// backend accounts. A session plays from the account of the user who asked
// for it.
package account

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/soundlink/pkg/backend"
)

// ErrNotLinked is returned when a user has not linked a backend account.
var ErrNotLinked = errors.New("account: not linked")

// Store provides access to account links.
// Implementations must be safe for concurrent use.
type Store interface {
	// CredentialsFor returns the linked credentials of userID, or
	// [ErrNotLinked].
	CredentialsFor(ctx context.Context, userID string) (backend.Credentials, error)

	// Link creates or replaces the link of userID.
	Link(ctx context.Context, userID string, creds backend.Credentials) error

	// Unlink removes the link of userID. Unlinking an unknown user is not an
	// error.
	Unlink(ctx context.Context, userID string) error
}

// MemStore is an in-memory [Store].
type MemStore struct {
	mu    sync.RWMutex
	links map[string]backend.Credentials
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{links: make(map[string]backend.Credentials)}
}

// CredentialsFor implements [Store].
func (s *MemStore) CredentialsFor(_ context.Context, userID string) (backend.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.links[userID]
	if !ok {
		return backend.Credentials{}, ErrNotLinked
	}
	return c, nil
}

// Link implements [Store].
func (s *MemStore) Link(_ context.Context, userID string, creds backend.Credentials) error {
	if userID == "" {
		return errors.New("account: empty user id")
	}
	creds.UserID = userID
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[userID] = creds
	return nil
}

// Unlink implements [Store].
func (s *MemStore) Unlink(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, userID)
	return nil
}
