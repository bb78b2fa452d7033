// Package learner owns the learner's profile: proficiency level, gamification
// stats, and the performance history that drives promotion.
//
// [State] is the single writer for a profile. Every mutation is a named
// operation (AddXP, UseHeart, UpdatePerformance, ...) applied under a mutex
// and then persisted through a [store.ProfileStore]. Persistence failures are
// logged; the in-memory profile stays authoritative for the running process.
package learner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/pkg/store"
	"github.com/admirelc/speakzone/pkg/types"
)

// Rewards.
const (
	TurnXP      = 5
	SessionGems = 15
	PlacementXP = 50
	LessonXP    = 30
)

// Promotion defaults.
const (
	DefaultPromotionBar      = 85
	DefaultPromotionSessions = 3
)

// ErrNoLevel is returned when an operation needs an assessed proficiency level.
var ErrNoLevel = errors.New("learner: proficiency level not set")

// NewProfile returns the profile of a brand-new learner: no level yet and the
// starter stats.
func NewProfile(now time.Time) *types.Profile {
	return &types.Profile{
		Stats:     types.Stats{Streak: 12, XP: 842, Gems: 500, Hearts: 5},
		UpdatedAt: now,
	}
}

// Rules are the promotion thresholds.
type Rules struct {
	// Bar is the score that accuracy, fluency and confidence must all exceed.
	Bar int

	// Sessions is the minimum number of sessions at the current level.
	Sessions int
}

// DefaultRules returns the standard promotion thresholds.
func DefaultRules() Rules {
	return Rules{Bar: DefaultPromotionBar, Sessions: DefaultPromotionSessions}
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the wall clock used for mistake timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// WithRules overrides the promotion thresholds.
func WithRules(r Rules) Option {
	return func(s *State) { s.rules = r }
}

// WithMetrics records promotions on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *State) { s.metrics = m }
}

// State is the live, persisted profile of one learner. Safe for concurrent use.
type State struct {
	id      string
	store   store.ProfileStore
	now     func() time.Time
	metrics *observe.Metrics

	mu      sync.Mutex
	rules   Rules
	profile *types.Profile
}

// Load returns the state for learnerID, creating and saving a new profile
// when the store has none.
func Load(ctx context.Context, learnerID string, ps store.ProfileStore, opts ...Option) (*State, error) {
	s := &State{
		id:    learnerID,
		store: ps,
		now:   time.Now,
		rules: DefaultRules(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	p, err := ps.LoadProfile(ctx, learnerID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.profile = NewProfile(s.now())
		slog.Info("learner: new profile", "learner_id", learnerID)
		s.persistLocked(ctx)
	case err != nil:
		return nil, fmt.Errorf("learner: load %q: %w", learnerID, err)
	default:
		s.profile = p
	}
	return s, nil
}

// ID returns the learner id.
func (s *State) ID() string { return s.id }

// Snapshot returns a deep copy of the current profile.
func (s *State) Snapshot() *types.Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Clone()
}

// Level returns the current proficiency level.
func (s *State) Level() types.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile.Level
}

// Performance returns a copy of the current performance record.
func (s *State) Performance() types.Performance {
	return s.Snapshot().Performance
}

// SetRules replaces the promotion thresholds. Used by config hot reload.
func (s *State) SetRules(r Rules) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = r
}

// ── Stats ─────────────────────────────────────────────────────────────────────

// AddXP adds n experience points and returns the new total.
func (s *State) AddXP(ctx context.Context, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.Stats.XP += n
	s.persistLocked(ctx)
	return s.profile.Stats.XP
}

// AddGems adds n gems and returns the new total.
func (s *State) AddGems(ctx context.Context, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.Stats.Gems += n
	s.persistLocked(ctx)
	return s.profile.Stats.Gems
}

// UseHeart spends one heart, never going below zero, and returns the hearts left.
func (s *State) UseHeart(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.Stats.Hearts = max(0, s.profile.Stats.Hearts-1)
	s.persistLocked(ctx)
	return s.profile.Stats.Hearts
}

// ── Level & performance ───────────────────────────────────────────────────────

// SetLevel assigns level manually. The tutor's memory starts over: recorded
// mistakes and the session count are cleared.
func (s *State) SetLevel(ctx context.Context, level types.Level) error {
	if !level.Valid() {
		return fmt.Errorf("learner: invalid level %d", level)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile.Level = level
	s.profile.Performance.Mistakes = nil
	s.profile.Performance.SessionCount = 0
	s.persistLocked(ctx)
	return nil
}

// Update is the result of [State.UpdatePerformance].
type Update struct {
	Promoted bool
	Level    types.Level
}

// UpdatePerformance replaces the score fields and session count with those in
// delta and merges mistakes into the recorded list. A mistake matching an
// existing record (same type, content equal ignoring case) bumps its count;
// others are appended. When accuracy, fluency and confidence all exceed the
// promotion bar after enough sessions, the learner moves up one tier and the
// session count and mistakes reset.
func (s *State) UpdatePerformance(ctx context.Context, delta types.Performance, mistakes []types.MistakeRecord) Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	perf := &s.profile.Performance
	perf.Confidence = delta.Confidence
	perf.Pronunciation = delta.Pronunciation
	perf.VocabUsage = delta.VocabUsage
	perf.Accuracy = delta.Accuracy
	perf.Fluency = delta.Fluency
	perf.SessionCount = delta.SessionCount
	perf.Mistakes = mergeMistakes(perf.Mistakes, mistakes, now)

	res := Update{Level: s.profile.Level}
	if s.eligibleLocked() {
		s.profile.Level = s.profile.Level.Next()
		perf.SessionCount = 0
		perf.Mistakes = nil
		res = Update{Promoted: true, Level: s.profile.Level}
		s.metrics.RecordPromotion(ctx, s.profile.Level.String())
		observe.Logger(ctx).Info("learner: promoted",
			"learner_id", s.id,
			"level", s.profile.Level.String(),
		)
	}
	s.persistLocked(ctx)
	return res
}

func (s *State) eligibleLocked() bool {
	lv := s.profile.Level
	p := s.profile.Performance
	return lv.Valid() && !lv.IsMax() &&
		p.Accuracy > s.rules.Bar &&
		p.Fluency > s.rules.Bar &&
		p.Confidence > s.rules.Bar &&
		p.SessionCount >= s.rules.Sessions
}

func mergeMistakes(existing, incoming []types.MistakeRecord, now time.Time) []types.MistakeRecord {
	out := append([]types.MistakeRecord(nil), existing...)
	for _, m := range incoming {
		merged := false
		for i := range out {
			if out[i].Matches(m) {
				out[i].Count++
				out[i].LastSeen = now
				merged = true
				break
			}
		}
		if !merged {
			m.LastSeen = now
			out = append(out, m)
		}
	}
	return out
}

// persistLocked saves the profile. Callers hold s.mu.
func (s *State) persistLocked(ctx context.Context) {
	s.profile.UpdatedAt = s.now()
	if err := s.store.SaveProfile(ctx, s.id, s.profile); err != nil {
		observe.Logger(ctx).Warn("learner: persist profile", "learner_id", s.id, "err", err)
	}
}
