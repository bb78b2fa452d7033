package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/admirelc/speakzone/internal/capture"
	"github.com/admirelc/speakzone/internal/config"
	"github.com/admirelc/speakzone/internal/learner"
	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/internal/playback"
	"github.com/admirelc/speakzone/internal/scoring"
	"github.com/admirelc/speakzone/internal/session"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	"github.com/admirelc/speakzone/pkg/provider/tts"
	"github.com/admirelc/speakzone/pkg/provider/vad"
	"github.com/admirelc/speakzone/pkg/types"
)

// LiveVoice is the tutor's voice on the live service.
const LiveVoice = "Charon"

var (
	// ErrSessionActive is returned by [SessionManager.Start] while another
	// session is running.
	ErrSessionActive = errors.New("app: a session is already active")

	// ErrNoSession is returned when an operation needs an active session.
	ErrNoSession = errors.New("app: no active session")

	// ErrConnecting is returned by [SessionManager.Stop] when the session was
	// still handshaking. The handshake is cancelled and no summary exists.
	ErrConnecting = errors.New("app: session cancelled while connecting")

	// ErrNoTransport is returned when no live provider is configured.
	ErrNoTransport = errors.New("app: no live conversation provider configured")
)

// Devices are the learner-side endpoints of one session.
type Devices struct {
	Microphone capture.Opener
	Output     playback.Output
	Clock      playback.Clock
}

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	StartedAt time.Time   `json:"started_at"`
	Level     types.Level `json:"level"`
}

// SessionManager manages the lifecycle of live sessions. Only one session
// can be active at a time. All exported methods are safe for concurrent use.
type SessionManager struct {
	learner  *learner.State
	provider s2s.Provider
	vad      vad.Engine
	scorer   scoring.Scorer
	metrics  *observe.Metrics

	mu     sync.Mutex
	tuning config.TuningConfig
	active *session.Controller
	info   SessionInfo
	last   *types.SessionSummary
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Learner  *learner.State
	Provider s2s.Provider
	VAD      vad.Engine
	Scorer   scoring.Scorer
	Tuning   config.TuningConfig
	Metrics  *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		learner:  cfg.Learner,
		provider: cfg.Provider,
		vad:      cfg.VAD,
		scorer:   cfg.Scorer,
		tuning:   cfg.Tuning,
		metrics:  m,
	}
}

// SetTuning replaces the capture thresholds used by sessions started from now on.
func (sm *SessionManager) SetTuning(t config.TuningConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.tuning = t
}

// Start opens a new live session on dev and reports its progress to obs.
//
// A session whose transport was closed by the service still counts as
// active until Stop collects its summary.
func (sm *SessionManager) Start(ctx context.Context, dev Devices, obs session.Observer) (*session.Controller, error) {
	if sm.provider == nil {
		return nil, ErrNoTransport
	}

	sm.mu.Lock()
	if sm.active != nil {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}
	tuning := sm.tuning

	opts := []capture.Option{capture.WithThreshold(tuning.VADThreshold)}
	if tuning.ChunkSamples > 0 {
		opts = append(opts, capture.WithChunkSamples(tuning.ChunkSamples))
	}
	if sm.vad != nil {
		opts = append(opts, capture.WithVAD(sm.vad))
	}

	ctl, err := session.New(session.Config{
		ID:         uuid.NewString(),
		Learner:    sm.learner,
		Provider:   sm.provider,
		Microphone: dev.Microphone,
		Output:     dev.Output,
		Clock:      dev.Clock,
		Scorer:     sm.scorer,
	},
		session.WithObserver(obs),
		session.WithVoice(tts.VoiceProfile{ID: LiveVoice, Name: LiveVoice}),
		session.WithCaptureOptions(opts...),
		session.WithMetrics(sm.metrics),
	)
	if err != nil {
		sm.mu.Unlock()
		return nil, err
	}
	// Reserve the slot before the handshake so a concurrent Start fails fast.
	level := sm.learner.Level()
	sm.active = ctl
	sm.info = SessionInfo{SessionID: ctl.ID(), Level: level}
	sm.mu.Unlock()

	if err := ctl.Start(ctx); err != nil {
		sm.mu.Lock()
		sm.active = nil
		sm.info = SessionInfo{}
		sm.mu.Unlock()
		return nil, err
	}

	sm.mu.Lock()
	sm.info.StartedAt = time.Now().UTC()
	sm.mu.Unlock()
	sm.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session started", "session_id", ctl.ID(), "level", level.String())
	return ctl, nil
}

// Stop ends the active session and returns its summary. The slot is freed
// even when scoring fails.
func (sm *SessionManager) Stop(ctx context.Context) (*types.SessionSummary, error) {
	sm.mu.Lock()
	ctl := sm.active
	sm.mu.Unlock()
	if ctl == nil {
		return nil, ErrNoSession
	}

	summary, err := ctl.Stop(ctx)
	if errors.Is(err, session.ErrNotStarted) {
		// Still handshaking: Start observes the cancellation and frees the slot.
		return nil, fmt.Errorf("%w: %w", ErrConnecting, err)
	}

	sm.mu.Lock()
	if sm.active == ctl {
		sm.active = nil
		sm.info = SessionInfo{}
		if summary != nil {
			sm.last = summary
		}
		sm.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	sm.mu.Unlock()
	return summary, err
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session. Returns the zero value if
// no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return SessionInfo{}
	}
	info := sm.info
	info.State = sm.active.State().String()
	return info
}

// LastSummary returns the summary of the most recently stopped session, or nil.
func (sm *SessionManager) LastSummary() *types.SessionSummary {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.last
}
