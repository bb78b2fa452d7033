package learner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/admirelc/speakzone/pkg/store"
	"github.com/admirelc/speakzone/pkg/types"
)

// Lesson and placement thresholds.
const (
	PlacementPassAverage = 70
	LessonPassScore      = 100
)

var (
	// ErrUnknownLesson is returned for a unit index outside the catalog.
	ErrUnknownLesson = errors.New("learner: unknown lesson")

	// ErrLessonLocked is returned when the previous unit has not been passed.
	ErrLessonLocked = errors.New("learner: lesson locked")

	// ErrAnswerCount is returned when the number of answers does not match
	// the number of questions.
	ErrAnswerCount = errors.New("learner: answer count mismatch")
)

// Question is a multiple-choice item.
type Question struct {
	Prompt  string   `yaml:"q" json:"q"`
	Options []string `yaml:"options" json:"options"`
	Correct int      `yaml:"correct" json:"correct"`
}

// Board is the on-screen material shown during a lesson explanation.
type Board struct {
	Keywords  []string `yaml:"keywords" json:"keywords"`
	Sentences []string `yaml:"sentences" json:"sentences"`
	Examples  []string `yaml:"examples" json:"examples"`
}

// Unit is one lesson in the course.
type Unit struct {
	Title             string     `yaml:"title" json:"title"`
	VideoText         string     `yaml:"video_text" json:"video_text"`
	SimpleExplanation string     `yaml:"simple_explanation" json:"simple_explanation"`
	Board             Board      `yaml:"board" json:"board"`
	Exercises         []Question `yaml:"exercises" json:"exercises"`
}

// Catalog is the course content.
type Catalog struct {
	Units     []Unit     `yaml:"units" json:"units"`
	Placement []Question `yaml:"placement" json:"placement"`
}

// DefaultCatalog returns the built-in Round Up 1 units and placement test.
func DefaultCatalog() Catalog {
	return Catalog{
		Units: []Unit{
			{
				Title:             "Unit 1: Articles (a, an, the)",
				VideoText:         "Salom! Men ADMIRE-man, sizning o'qituvchingizman. Biz Round Up 1 darslarini boshlaymiz. 1-unit Artikllar haqida. Biz 'a' artiklini undosh harflar bilan boshlanadigan so'zlar oldidan ishlatamiz, masalan: 'a pen'. 'an' artiklini esa unli harflar oldidan ishlatamiz, masalan: 'an apple'. 'The' artikli aniq bir narsani ko'rsatish uchun ishlatiladi. Doskaga qarang va qoidalarni tinglang.",
				SimpleExplanation: "Artikllar juda oson. 'a', 'an' va 'the' kabi qisqa so'zlar. Undosh tovushlar bilan boshlanadigan so'zlar uchun 'a' (a cat), unli tovushlar uchun esa 'an' (an orange) ishlating. Biz bilgan aniq narsalar uchun 'the' ishlatiladi.",
				Board: Board{
					Keywords:  []string{"a", "an", "the", "Articles"},
					Sentences: []string{"This is a book.", "She has an orange.", "The sun is hot."},
					Examples:  []string{"a + b, c, d...", "an + a, e, i, o, u", "the + unique things"},
				},
				Exercises: []Question{
					{Prompt: "To'g'ri artiklni tanlang: ___ elephant", Options: []string{"a", "an", "the"}, Correct: 1},
					{Prompt: "___ table is big. (shu yerdagi aniq stol)", Options: []string{"a", "an", "the"}, Correct: 2},
					{Prompt: "I have ___ cat.", Options: []string{"a", "an", "the"}, Correct: 0},
				},
			},
			{
				Title:             "Unit 2: Plurals",
				VideoText:         "Endi 2-unit: Plurals ya'ni ko'plik. Ingliz tilida narsalar ko'p bo'lsa, odatda so'z oxiriga 's' harfini qo'shamiz. Masalan: bitta kitob (one book), ikkita kitob (two books). Ba'zi so'zlarga 'es' qo'shiladi. Doskadagi namunalarga diqqat qiling.",
				SimpleExplanation: "Ko'plik shakli juda oddiy. So'z oxiriga 's' qo'shing. Dog (it) - dogs (itlar). Box (quti) - boxes (qutilar). Doskaga qarang.",
				Board: Board{
					Keywords:  []string{"One", "Many", "s / es"},
					Sentences: []string{"I like cats.", "Three boxes are here.", "Look at the stars."},
					Examples:  []string{"Apple -> Apples", "Bus -> Buses", "Baby -> Babies"},
				},
				Exercises: []Question{
					{Prompt: "'Apple' so'zining ko'pligi?", Options: []string{"apples", "applees", "appleies"}, Correct: 0},
					{Prompt: "'Dish' so'zining ko'pligi?", Options: []string{"dishs", "dishes", "dishies"}, Correct: 1},
					{Prompt: "I have four ___ (car).", Options: []string{"car", "cars", "caries"}, Correct: 1},
				},
			},
		},
		Placement: []Question{
			{Prompt: "___ orange is on the table.", Options: []string{"a", "an", "the"}, Correct: 1},
			{Prompt: "'Watch' so'zining ko'pligi?", Options: []string{"watchs", "watches", "watchies"}, Correct: 1},
			{Prompt: "___ is my sister.", Options: []string{"He", "She", "It"}, Correct: 1},
			{Prompt: "I ___ a student.", Options: []string{"am", "is", "are"}, Correct: 0},
			{Prompt: "They ___ playing.", Options: []string{"is", "am", "are"}, Correct: 2},
		},
	}
}

// Validate reports every malformed question in the catalog.
func (c Catalog) Validate() error {
	var errs []error
	check := func(where string, q Question) {
		if len(q.Options) < 2 {
			errs = append(errs, fmt.Errorf("%s: needs at least two options", where))
		}
		if q.Correct < 0 || q.Correct >= len(q.Options) {
			errs = append(errs, fmt.Errorf("%s: correct index %d out of range", where, q.Correct))
		}
	}
	for i, u := range c.Units {
		if len(u.Exercises) == 0 {
			errs = append(errs, fmt.Errorf("unit %d: no exercises", i))
		}
		for j, q := range u.Exercises {
			check(fmt.Sprintf("unit %d exercise %d", i, j), q)
		}
	}
	if len(c.Placement) == 0 {
		errs = append(errs, errors.New("placement: no questions"))
	}
	for i, q := range c.Placement {
		check(fmt.Sprintf("placement question %d", i), q)
	}
	return errors.Join(errs...)
}

// grade returns the percentage of answers matching their question, rounded.
func grade(questions []Question, answers []int) (int, error) {
	if len(answers) != len(questions) {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrAnswerCount, len(answers), len(questions))
	}
	correct := 0
	for i, q := range questions {
		if answers[i] == q.Correct {
			correct++
		}
	}
	return int(math.Round(float64(correct) / float64(len(questions)) * 100)), nil
}

// ── Course ────────────────────────────────────────────────────────────────────

// LessonStatus is one row of the lesson list.
type LessonStatus struct {
	Unit     int    `json:"unit"`
	Title    string `json:"title"`
	Unlocked bool   `json:"unlocked"`
	Passed   bool   `json:"passed"`
}

// LessonResult is the outcome of [Course.Complete].
type LessonResult struct {
	Score  int  `json:"score"`
	Passed bool `json:"passed"`

	// Next is the unit to continue with, or -1 when the course is finished
	// or the lesson must be repeated.
	Next int `json:"next"`
}

// PlacementResult is the outcome of [Course.Placement].
type PlacementResult struct {
	Average float64     `json:"average"`
	Level   types.Level `json:"level"`
}

// Course combines the catalog with lesson flags and the learner's state.
type Course struct {
	state *State
	flags store.FlagStore

	mu      sync.RWMutex
	catalog Catalog
}

// NewCourse returns a course over catalog for state.
func NewCourse(state *State, flags store.FlagStore, catalog Catalog) *Course {
	return &Course{state: state, flags: flags, catalog: catalog}
}

// Catalog returns the current catalog.
func (c *Course) Catalog() Catalog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalog
}

// SetCatalog replaces the course content. Used by config hot reload.
func (c *Course) SetCatalog(cat Catalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.catalog = cat
}

func (c *Course) unit(i int) (Unit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.catalog.Units) {
		return Unit{}, fmt.Errorf("%w: unit %d", ErrUnknownLesson, i)
	}
	return c.catalog.Units[i], nil
}

// Unlocked reports whether unit may be started: the first unit always, later
// units once the previous one is passed.
func (c *Course) Unlocked(ctx context.Context, unit int) (bool, error) {
	if _, err := c.unit(unit); err != nil {
		return false, err
	}
	if unit == 0 {
		return true, nil
	}
	ok, err := c.flags.Flag(ctx, store.LessonFlag(unit-1))
	if err != nil {
		return false, fmt.Errorf("learner: lesson flag: %w", err)
	}
	return ok, nil
}

// List returns every unit with its lock and pass state.
func (c *Course) List(ctx context.Context) ([]LessonStatus, error) {
	cat := c.Catalog()
	out := make([]LessonStatus, len(cat.Units))
	prevPassed := true
	for i, u := range cat.Units {
		passed, err := c.flags.Flag(ctx, store.LessonFlag(i))
		if err != nil {
			return nil, fmt.Errorf("learner: lesson flag: %w", err)
		}
		out[i] = LessonStatus{Unit: i, Title: u.Title, Unlocked: prevPassed, Passed: passed}
		prevPassed = passed
	}
	return out, nil
}

// Script returns the text to narrate for unit: the full explanation on first
// viewing, the simplified one on repeat.
func (c *Course) Script(unit int, repeat bool) (string, error) {
	u, err := c.unit(unit)
	if err != nil {
		return "", err
	}
	if repeat {
		return u.SimpleExplanation, nil
	}
	return u.VideoText, nil
}

// Complete grades answers for unit. A perfect score marks the unit passed and
// awards [LessonXP].
func (c *Course) Complete(ctx context.Context, unit int, answers []int) (LessonResult, error) {
	u, err := c.unit(unit)
	if err != nil {
		return LessonResult{}, err
	}
	ok, err := c.Unlocked(ctx, unit)
	if err != nil {
		return LessonResult{}, err
	}
	if !ok {
		return LessonResult{}, fmt.Errorf("%w: unit %d", ErrLessonLocked, unit)
	}
	score, err := grade(u.Exercises, answers)
	if err != nil {
		return LessonResult{}, err
	}

	res := LessonResult{Score: score, Next: -1}
	if score < LessonPassScore {
		return res, nil
	}
	if err := c.flags.SetFlag(ctx, store.LessonFlag(unit), true); err != nil {
		return LessonResult{}, fmt.Errorf("learner: mark lesson passed: %w", err)
	}
	c.state.AddXP(ctx, LessonXP)
	res.Passed = true
	if _, err := c.unit(unit + 1); err == nil {
		res.Next = unit + 1
	}
	return res, nil
}

// Placement grades the placement test, sets the level and awards
// [PlacementXP]. An average of [PlacementPassAverage] or more starts the
// learner at Elementary, otherwise at Beginner.
func (c *Course) Placement(ctx context.Context, answers []int) (PlacementResult, error) {
	questions := c.Catalog().Placement
	if len(questions) == 0 {
		return PlacementResult{}, errors.New("learner: placement test has no questions")
	}
	if len(answers) != len(questions) {
		return PlacementResult{}, fmt.Errorf("%w: got %d, want %d", ErrAnswerCount, len(answers), len(questions))
	}
	total := 0
	for i, q := range questions {
		if answers[i] == q.Correct {
			total += 100
		}
	}
	avg := float64(total) / float64(len(questions))
	level := types.LevelBeginner
	if avg >= PlacementPassAverage {
		level = types.LevelElementary
	}
	if err := c.state.SetLevel(ctx, level); err != nil {
		return PlacementResult{}, err
	}
	c.state.AddXP(ctx, PlacementXP)
	return PlacementResult{Average: avg, Level: level}, nil
}
