package app

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/admirelc/speakzone/internal/learner"
	"github.com/admirelc/speakzone/internal/narration"
	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/pkg/types"
)

// maxBody caps JSON request bodies.
const maxBody = 64 << 10

// routes builds the HTTP surface.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	mux.HandleFunc("GET /v1/profile", a.handleProfile)
	mux.HandleFunc("PUT /v1/profile/level", a.handleSetLevel)
	mux.HandleFunc("POST /v1/profile/hearts/use", a.handleUseHeart)
	mux.HandleFunc("POST /v1/placement", a.handlePlacement)

	mux.HandleFunc("GET /v1/lessons", a.handleLessons)
	mux.HandleFunc("POST /v1/lessons/{unit}/complete", a.handleCompleteLesson)
	mux.HandleFunc("POST /v1/lessons/{unit}/narration", a.handleNarration)

	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("GET /v1/speak", a.handleSpeak)

	return observe.Middleware(a.metrics)(mux)
}

// ── Profile ───────────────────────────────────────────────────────────────────

func (a *App) handleProfile(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.learner.Snapshot())
}

type setLevelRequest struct {
	Level types.Level `json:"level"`
}

func (a *App) handleSetLevel(w http.ResponseWriter, r *http.Request) {
	var req setLevelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := a.learner.SetLevel(r.Context(), req.Level); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, a.learner.Snapshot())
}

func (a *App) handleUseHeart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"hearts": a.learner.UseHeart(r.Context())})
}

type answersRequest struct {
	Answers []int `json:"answers"`
}

func (a *App) handlePlacement(w http.ResponseWriter, r *http.Request) {
	var req answersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.course.Placement(r.Context(), req.Answers)
	if err != nil {
		writeError(w, lessonStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ── Lessons ───────────────────────────────────────────────────────────────────

func (a *App) handleLessons(w http.ResponseWriter, r *http.Request) {
	list, err := a.course.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *App) handleCompleteLesson(w http.ResponseWriter, r *http.Request) {
	unit, ok := unitParam(w, r)
	if !ok {
		return
	}
	var req answersRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := a.course.Complete(r.Context(), unit, req.Answers)
	if err != nil {
		writeError(w, lessonStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type narrationRequest struct {
	// Repeat selects the simplified explanation shown when a lesson is retaken.
	Repeat bool `json:"repeat"`
}

func (a *App) handleNarration(w http.ResponseWriter, r *http.Request) {
	if a.narrator == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("narration is not configured"))
		return
	}
	unit, ok := unitParam(w, r)
	if !ok {
		return
	}
	var req narrationRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()
	unlocked, err := a.course.Unlocked(ctx, unit)
	if err != nil {
		writeError(w, lessonStatus(err), err)
		return
	}
	if !unlocked {
		writeError(w, http.StatusForbidden, learner.ErrLessonLocked)
		return
	}
	text, err := a.course.Script(unit, req.Repeat)
	if err != nil {
		writeError(w, lessonStatus(err), err)
		return
	}

	level := a.learner.Level()
	if !level.Valid() {
		level = types.LevelBeginner
	}
	n, err := a.narrator.Narrate(ctx, text, level)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, narration.ErrEmptyText) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// ── Session ───────────────────────────────────────────────────────────────────

type sessionResponse struct {
	Active      bool                  `json:"active"`
	Session     *SessionInfo          `json:"session,omitempty"`
	LastSummary *types.SessionSummary `json:"last_summary,omitempty"`
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	resp := sessionResponse{LastSummary: a.sessions.LastSummary()}
	if a.sessions.IsActive() {
		info := a.sessions.Info()
		resp.Active = true
		resp.Session = &info
	}
	writeJSON(w, http.StatusOK, resp)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func unitParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	unit, err := strconv.Atoi(r.PathValue("unit"))
	if err != nil || unit < 0 {
		writeError(w, http.StatusBadRequest, errors.New("unit must be a non-negative integer"))
		return 0, false
	}
	return unit, true
}

func lessonStatus(err error) int {
	switch {
	case errors.Is(err, learner.ErrUnknownLesson):
		return http.StatusNotFound
	case errors.Is(err, learner.ErrLessonLocked):
		return http.StatusForbidden
	case errors.Is(err, learner.ErrAnswerCount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v at its
// zero value. On failure it writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
