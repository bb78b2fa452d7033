// Package transcript assembles streamed transcript fragments into the
// conversation history.
//
// The live service transcribes both speakers incrementally: each fragment
// extends the text of the current turn, it never replaces it. An [Aggregator]
// keeps one accumulator per role and freezes them into [types.TranscriptTurn]
// entries when the service marks the turn complete. User text is always
// committed before AI text for the same turn, and turns whose text is blank
// after trimming are discarded.
//
// An Aggregator is owned by the session dispatch goroutine and is not safe for
// concurrent use.
package transcript

import (
	"strings"
	"time"

	"github.com/admirelc/speakzone/pkg/types"
)

// Aggregator accumulates per-turn transcript text.
type Aggregator struct {
	now     func() time.Time
	user    strings.Builder
	ai      strings.Builder
	history []types.TranscriptTurn
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the wall clock used to stamp committed turns.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// New returns an empty Aggregator.
func New(opts ...Option) *Aggregator {
	a := &Aggregator{now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Append adds fragment to the accumulator for role. It reports whether this
// was the first AI fragment of the turn, which is when the UI switches to the
// AI-speaking indicator.
func (a *Aggregator) Append(role types.Role, fragment string) (firstAI bool) {
	switch role {
	case types.RoleUser:
		a.user.WriteString(fragment)
	case types.RoleAI:
		firstAI = a.ai.Len() == 0 && fragment != ""
		a.ai.WriteString(fragment)
	}
	return firstAI
}

// Partial returns the text accumulated so far for role in the current turn.
func (a *Aggregator) Partial(role types.Role) string {
	switch role {
	case types.RoleUser:
		return a.user.String()
	case types.RoleAI:
		return a.ai.String()
	}
	return ""
}

// Complete freezes the current turn. It returns the committed entries (user
// first, then AI; zero, one or two of them), appends them to the history, and
// resets both accumulators.
func (a *Aggregator) Complete() []types.TranscriptTurn {
	at := a.now()
	var turns []types.TranscriptTurn
	for _, t := range []struct {
		role types.Role
		text string
	}{
		{types.RoleUser, a.user.String()},
		{types.RoleAI, a.ai.String()},
	} {
		text := strings.TrimSpace(t.text)
		if text == "" {
			continue
		}
		turns = append(turns, types.TranscriptTurn{Role: t.role, Text: text, At: at})
	}
	a.history = append(a.history, turns...)
	a.user.Reset()
	a.ai.Reset()
	return turns
}

// History returns a copy of every committed turn in chronological order.
func (a *Aggregator) History() []types.TranscriptTurn {
	return append([]types.TranscriptTurn(nil), a.history...)
}

// Len returns the number of committed turns.
func (a *Aggregator) Len() int { return len(a.history) }
