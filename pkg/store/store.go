// Package store defines the persistence interfaces for learner state.
//
// Two kinds of data are persisted:
//
//   - Flags: small boolean markers such as "roundup_unit_0_passed", used for
//     lesson gating. An absent flag reads as false.
//   - Profiles: the learner's level, gamification stats and performance
//     history, stored as one document per learner.
//
// Backends live in sub-packages: [memstore] for tests and ephemeral runs,
// badger for an embedded on-disk store, and postgres for shared deployments.
// All implementations must be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"strconv"

	"github.com/admirelc/speakzone/pkg/types"
)

// ErrNotFound is returned by [ProfileStore.LoadProfile] when no profile has
// been saved for the learner.
var ErrNotFound = errors.New("store: not found")

// FlagStore persists boolean markers.
type FlagStore interface {
	// Flag returns the value of key, or false if it was never set.
	Flag(ctx context.Context, key string) (bool, error)

	// SetFlag stores value under key.
	SetFlag(ctx context.Context, key string, value bool) error
}

// ProfileStore persists learner profiles.
type ProfileStore interface {
	// LoadProfile returns the saved profile for learnerID, or an error
	// wrapping [ErrNotFound].
	LoadProfile(ctx context.Context, learnerID string) (*types.Profile, error)

	// SaveProfile replaces the stored profile for learnerID.
	SaveProfile(ctx context.Context, learnerID string, p *types.Profile) error
}

// Store is a complete backend.
type Store interface {
	FlagStore
	ProfileStore

	// Ping reports whether the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// LessonFlag returns the flag key marking lesson unit as passed. Units are
// numbered from zero.
func LessonFlag(unit int) string {
	return "roundup_unit_" + strconv.Itoa(unit) + "_passed"
}
