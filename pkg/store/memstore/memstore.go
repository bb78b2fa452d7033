// Package memstore provides an in-memory [store.Store]. Data is lost when the
// process exits. It is the default for tests and for runs without a data
// directory.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/admirelc/speakzone/pkg/store"
	"github.com/admirelc/speakzone/pkg/types"
)

// Store is a map-backed store. The zero value is not usable; call [New].
type Store struct {
	mu       sync.RWMutex
	flags    map[string]bool
	profiles map[string]*types.Profile
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		flags:    make(map[string]bool),
		profiles: make(map[string]*types.Profile),
	}
}

// Flag implements [store.FlagStore].
func (s *Store) Flag(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errClosed
	}
	return s.flags[key], nil
}

// SetFlag implements [store.FlagStore].
func (s *Store) SetFlag(_ context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.flags[key] = value
	return nil
}

// LoadProfile implements [store.ProfileStore]. The returned profile is a copy.
func (s *Store) LoadProfile(_ context.Context, learnerID string) (*types.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	p, ok := s.profiles[learnerID]
	if !ok {
		return nil, fmt.Errorf("memstore: profile %q: %w", learnerID, store.ErrNotFound)
	}
	return p.Clone(), nil
}

// SaveProfile implements [store.ProfileStore]. The profile is copied.
func (s *Store) SaveProfile(_ context.Context, learnerID string, p *types.Profile) error {
	if p == nil {
		return fmt.Errorf("memstore: nil profile for %q", learnerID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.profiles[learnerID] = p.Clone()
	return nil
}

// Ping reports an error once the store is closed.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close marks the store closed. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var errClosed = fmt.Errorf("memstore: closed")
