// Package badger implements [store.Store] on an embedded Badger database.
//
// Keys are namespaced by kind ("flag/<key>", "profile/<learner>") and values
// are JSON documents. This is the default backend for single-device runs.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v3"

	"github.com/admirelc/speakzone/pkg/store"
	"github.com/admirelc/speakzone/pkg/types"
)

const (
	flagPrefix    = "flag/"
	profilePrefix = "profile/"
)

// Store is a Badger-backed store.
type Store struct {
	db *badger.DB
}

var _ store.Store = (*Store)(nil)

// Option tweaks the Badger options before the database is opened.
type Option func(*badger.Options)

// InMemory keeps the database in memory. The dir argument to [Open] is ignored.
func InMemory() Option {
	return func(o *badger.Options) {
		*o = o.WithInMemory(true).WithDir("").WithValueDir("")
	}
}

// Open opens (or creates) the database under dir.
func Open(dir string, opts ...Option) (*Store, error) {
	bo := badger.DefaultOptions(dir).WithLogger(nil)
	for _, o := range opts {
		o(&bo)
	}
	if !bo.InMemory {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("badger store: create dir: %w", err)
		}
	}
	db, err := badger.Open(bo)
	if err != nil {
		return nil, fmt.Errorf("badger store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Flag implements [store.FlagStore].
func (s *Store) Flag(_ context.Context, key string) (bool, error) {
	var v bool
	err := s.get(flagPrefix+key, &v)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger store: flag %q: %w", key, err)
	}
	return v, nil
}

// SetFlag implements [store.FlagStore].
func (s *Store) SetFlag(_ context.Context, key string, value bool) error {
	if err := s.put(flagPrefix+key, value); err != nil {
		return fmt.Errorf("badger store: set flag %q: %w", key, err)
	}
	return nil
}

// LoadProfile implements [store.ProfileStore].
func (s *Store) LoadProfile(_ context.Context, learnerID string) (*types.Profile, error) {
	var p types.Profile
	if err := s.get(profilePrefix+learnerID, &p); err != nil {
		return nil, fmt.Errorf("badger store: load profile %q: %w", learnerID, err)
	}
	return &p, nil
}

// SaveProfile implements [store.ProfileStore].
func (s *Store) SaveProfile(_ context.Context, learnerID string, p *types.Profile) error {
	if p == nil {
		return fmt.Errorf("badger store: nil profile for %q", learnerID)
	}
	if err := s.put(profilePrefix+learnerID, p); err != nil {
		return fmt.Errorf("badger store: save profile %q: %w", learnerID, err)
	}
	return nil
}

// Ping fails once the database is closed.
func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store: closed")
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

// Close flushes and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

func (s *Store) get(key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	}
	return err
}

func (s *Store) put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}
