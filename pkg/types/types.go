// Package types defines the shared types used across all SpeakZone packages.
//
// These types form the lingua franca between the transport providers, the
// session controller, the learner state, and the persistent stores. Each package
// defines its own domain types; cross-cutting data structures live here to avoid
// circular imports.
package types

import (
	"fmt"
	"strings"
	"time"
)

// ── Proficiency levels ───────────────────────────────────────────────────────

// Level is a learner proficiency tier. The zero value means "not yet assessed".
type Level int

const (
	LevelUnset Level = iota
	LevelBeginner
	LevelElementary
	LevelIntermediate
	LevelUpperIntermediate
	LevelAdvanced
)

// Levels lists every assessed tier in ascending order.
var Levels = []Level{
	LevelBeginner,
	LevelElementary,
	LevelIntermediate,
	LevelUpperIntermediate,
	LevelAdvanced,
}

var levelNames = map[Level]string{
	LevelBeginner:          "Beginner",
	LevelElementary:        "Elementary",
	LevelIntermediate:      "Intermediate",
	LevelUpperIntermediate: "Upper-Intermediate",
	LevelAdvanced:          "Advanced",
}

// String returns the display name of the level, or "" for [LevelUnset].
func (l Level) String() string {
	return levelNames[l]
}

// Valid reports whether l is one of the five assessed tiers.
func (l Level) Valid() bool {
	_, ok := levelNames[l]
	return ok
}

// IsMax reports whether l is the highest tier.
func (l Level) IsMax() bool {
	return l == LevelAdvanced
}

// Next returns the tier above l. The top tier and [LevelUnset] return themselves.
func (l Level) Next() Level {
	if !l.Valid() || l.IsMax() {
		return l
	}
	return l + 1
}

// ParseLevel resolves a display name (case-insensitive) to a [Level].
func ParseLevel(s string) (Level, error) {
	for _, l := range Levels {
		if strings.EqualFold(l.String(), strings.TrimSpace(s)) {
			return l, nil
		}
	}
	return LevelUnset, fmt.Errorf("types: unknown proficiency level %q", s)
}

// MarshalText implements [encoding.TextMarshaler].
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler]. An empty string decodes to
// [LevelUnset].
func (l *Level) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*l = LevelUnset
		return nil
	}
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ── Conversation ─────────────────────────────────────────────────────────────

// Role identifies the speaker of a transcript turn.
type Role string

const (
	RoleUser Role = "user"
	RoleAI   Role = "ai"
)

// Modality is the UI-facing indicator of who is currently speaking.
type Modality string

const (
	ModalityNone Modality = "none"
	ModalityUser Modality = "user"
	ModalityAI   Modality = "ai"
)

// TranscriptTurn is one finalized utterance in the conversation history.
type TranscriptTurn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`

	// At is the wall-clock time the turn was finalized.
	At time.Time `json:"at"`
}

// ── Learner performance ──────────────────────────────────────────────────────

// MistakeType categorizes a recorded mistake.
type MistakeType string

const (
	MistakeGrammar       MistakeType = "grammar"
	MistakePronunciation MistakeType = "pronunciation"
	MistakeVocabulary    MistakeType = "vocabulary"
)

// MistakeRecord is a recurring mistake pattern tracked across sessions.
// Content is unique per Type under case-insensitive comparison.
type MistakeRecord struct {
	Type     MistakeType `json:"type"`
	Content  string      `json:"content"`
	Count    int         `json:"count"`
	LastSeen time.Time   `json:"last_seen"`
}

// Matches reports whether m and other describe the same mistake.
func (m MistakeRecord) Matches(other MistakeRecord) bool {
	return m.Type == other.Type && strings.EqualFold(m.Content, other.Content)
}

// Performance holds the learner's latest session scores and history.
type Performance struct {
	Confidence    int             `json:"confidence"`
	Pronunciation int             `json:"pronunciation"`
	VocabUsage    int             `json:"vocab_usage"`
	Accuracy      int             `json:"accuracy"`
	Fluency       int             `json:"fluency"`
	SessionCount  int             `json:"session_count"`
	Mistakes      []MistakeRecord `json:"mistakes"`
}

// Stats are the gamification counters shown on the dashboard.
type Stats struct {
	Streak int `json:"streak"`
	XP     int `json:"xp"`
	Gems   int `json:"gems"`
	Hearts int `json:"hearts"`
}

// Profile is the persisted learner record.
type Profile struct {
	Level       Level       `json:"level"`
	Stats       Stats       `json:"stats"`
	Performance Performance `json:"performance"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	cp := *p
	if p.Performance.Mistakes != nil {
		cp.Performance.Mistakes = append([]MistakeRecord(nil), p.Performance.Mistakes...)
	}
	return &cp
}

// ── Session results ──────────────────────────────────────────────────────────

// Scores are the per-dimension ratings of one session, each in 0–100.
type Scores struct {
	Fluency    int `json:"fluency"`
	Clarity    int `json:"clarity"`
	Confidence int `json:"confidence"`
	Accuracy   int `json:"accuracy"`
	Vocabulary int `json:"vocabulary"`
}

// Overall returns the headline score: the floored mean of fluency, accuracy
// and confidence.
func (s Scores) Overall() int {
	return (s.Fluency + s.Accuracy + s.Confidence) / 3
}

// SessionSummary is produced exactly once when a live session stops.
type SessionSummary struct {
	SessionID  string           `json:"session_id"`
	Level      Level            `json:"level"`
	Scores     Scores           `json:"scores"`
	Score      int              `json:"score"`
	Mistakes   []MistakeRecord  `json:"mistakes"`
	Tips       []string         `json:"tips"`
	History    []TranscriptTurn `json:"history"`
	Promoted   bool             `json:"promoted"`
	NewLevel   Level            `json:"new_level"`
	Duration   time.Duration    `json:"-"`
	DurationMS int64            `json:"duration_ms"`
	EndedAt    time.Time        `json:"ended_at"`
}
