// Package scoring rates a finished conversation and derives the feedback the
// learner sees on the summary screen.
//
// [Scorer] is the extension point for a real assessment model. The shipped
// [RandomScorer] reproduces the placeholder ratings of the mobile app: every
// dimension is drawn uniformly from [70, 95).
package scoring

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/admirelc/speakzone/pkg/types"
)

// MistakeBar is the score below which a dimension produces a recorded mistake.
const MistakeBar = 85

// Scorer rates one session.
type Scorer interface {
	Score(ctx context.Context, level types.Level, history []types.TranscriptTurn) (types.Scores, error)
}

// RandomScorer draws each dimension from [Base, Base+Spread).
type RandomScorer struct {
	Base   int
	Spread int

	mu  sync.Mutex
	rng *rand.Rand
}

var _ Scorer = (*RandomScorer)(nil)

// NewRandomScorer returns a scorer with the app's placeholder range. src may be
// nil to use a time-seeded source; tests pass a fixed [rand.PCG].
func NewRandomScorer(src rand.Source) *RandomScorer {
	if src == nil {
		now := uint64(time.Now().UnixNano())
		src = rand.NewPCG(now, now>>1|1)
	}
	return &RandomScorer{Base: 70, Spread: 25, rng: rand.New(src)}
}

// Score ignores the transcript and returns random ratings.
func (s *RandomScorer) Score(ctx context.Context, _ types.Level, _ []types.TranscriptTurn) (types.Scores, error) {
	if err := ctx.Err(); err != nil {
		return types.Scores{}, fmt.Errorf("scoring: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	draw := func() int { return s.Base + s.rng.IntN(s.Spread) }
	return types.Scores{
		Fluency:    draw(),
		Clarity:    draw(),
		Confidence: draw(),
		Accuracy:   draw(),
		Vocabulary: draw(),
	}, nil
}

// Mistakes derives the recurring-mistake records implied by scores: weak
// accuracy records a grammar mistake, weak clarity a pronunciation one.
func Mistakes(scores types.Scores, now time.Time) []types.MistakeRecord {
	var out []types.MistakeRecord
	if scores.Accuracy < MistakeBar {
		out = append(out, types.MistakeRecord{
			Type: types.MistakeGrammar, Content: "Verb tenses", Count: 1, LastSeen: now,
		})
	}
	if scores.Clarity < MistakeBar {
		out = append(out, types.MistakeRecord{
			Type: types.MistakePronunciation, Content: "Vowel sounds", Count: 1, LastSeen: now,
		})
	}
	return out
}

// Tips returns the encouragement lines shown under the session score.
func Tips(level types.Level, scores types.Scores) []string {
	return []string{
		fmt.Sprintf("Great session! Your %s vocabulary is expanding.", level),
		fmt.Sprintf("Focus on accuracy while maintaining your %d%% fluency score.", scores.Fluency),
		"Consistency is key! ADMIRE is tracking your progress.",
	}
}

// PerformanceDelta maps session scores onto the learner's performance fields.
// sessionCount is the learner's count before this session.
func PerformanceDelta(scores types.Scores, sessionCount int) types.Performance {
	return types.Performance{
		Confidence:    scores.Confidence,
		Pronunciation: scores.Clarity,
		Fluency:       scores.Fluency,
		Accuracy:      scores.Accuracy,
		VocabUsage:    scores.Vocabulary,
		SessionCount:  sessionCount + 1,
	}
}
