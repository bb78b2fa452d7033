// Package storetest holds the behaviour every [store.Store] backend must
// share. Backend test files call [Run] with a constructor for a fresh store.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/admirelc/speakzone/pkg/store"
	"github.com/admirelc/speakzone/pkg/types"
)

// Run exercises newStore against the store contract. Each subtest gets its
// own store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("FlagDefaultsFalse", func(t *testing.T) {
		s := newStore(t)
		got, err := s.Flag(context.Background(), store.LessonFlag(0))
		if err != nil {
			t.Fatalf("Flag: %v", err)
		}
		if got {
			t.Error("unset flag reads true")
		}
	})

	t.Run("FlagRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := store.LessonFlag(1)
		if err := s.SetFlag(ctx, key, true); err != nil {
			t.Fatalf("SetFlag: %v", err)
		}
		if got, err := s.Flag(ctx, key); err != nil || !got {
			t.Fatalf("Flag = %v, %v; want true", got, err)
		}
		if err := s.SetFlag(ctx, key, false); err != nil {
			t.Fatalf("SetFlag: %v", err)
		}
		if got, err := s.Flag(ctx, key); err != nil || got {
			t.Fatalf("Flag = %v, %v; want false after reset", got, err)
		}
	})

	t.Run("ProfileNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadProfile(context.Background(), "nobody")
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("LoadProfile err = %v, want ErrNotFound", err)
		}
	})

	t.Run("ProfileRoundTrip", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		seen := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
		want := &types.Profile{
			Level: types.LevelIntermediate,
			Stats: types.Stats{Streak: 12, XP: 900, Gems: 515, Hearts: 4},
			Performance: types.Performance{
				Confidence: 88, Pronunciation: 80, VocabUsage: 77, Accuracy: 90, Fluency: 86,
				SessionCount: 2,
				Mistakes: []types.MistakeRecord{
					{Type: types.MistakeGrammar, Content: "Verb tenses", Count: 3, LastSeen: seen},
				},
			},
			UpdatedAt: seen,
		}
		if err := s.SaveProfile(ctx, "learner-1", want); err != nil {
			t.Fatalf("SaveProfile: %v", err)
		}
		got, err := s.LoadProfile(ctx, "learner-1")
		if err != nil {
			t.Fatalf("LoadProfile: %v", err)
		}
		if got.Level != want.Level || got.Stats != want.Stats {
			t.Errorf("profile = %+v, want %+v", got, want)
		}
		if got.Performance.Accuracy != 90 || got.Performance.SessionCount != 2 {
			t.Errorf("performance = %+v", got.Performance)
		}
		if len(got.Performance.Mistakes) != 1 ||
			got.Performance.Mistakes[0].Content != "Verb tenses" ||
			got.Performance.Mistakes[0].Count != 3 ||
			!got.Performance.Mistakes[0].LastSeen.Equal(seen) {
			t.Errorf("mistakes = %+v", got.Performance.Mistakes)
		}

		// Mutating the loaded copy must not leak into the store.
		got.Stats.XP = 0
		again, err := s.LoadProfile(ctx, "learner-1")
		if err != nil {
			t.Fatal(err)
		}
		if again.Stats.XP != 900 {
			t.Errorf("stored XP = %d after mutating a loaded copy", again.Stats.XP)
		}
	})

	t.Run("ProfileOverwrite", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.SaveProfile(ctx, "l", &types.Profile{Level: types.LevelBeginner}); err != nil {
			t.Fatal(err)
		}
		if err := s.SaveProfile(ctx, "l", &types.Profile{Level: types.LevelAdvanced}); err != nil {
			t.Fatal(err)
		}
		got, err := s.LoadProfile(ctx, "l")
		if err != nil {
			t.Fatal(err)
		}
		if got.Level != types.LevelAdvanced {
			t.Errorf("level = %v, want Advanced", got.Level)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
