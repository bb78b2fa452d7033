// Package session runs one live speaking session between the learner and the
// conversational service.
//
// A [Controller] acquires the microphone, opens the transport with a
// level-specific system instruction, and then hands every moving part to a
// single dispatch goroutine: inbound transport events, voice activity from
// the capture pipeline, playback-ended callbacks from the output device, and
// stop/snapshot commands all arrive as typed events on that goroutine. It
// alone touches the speaking modality, the transcript aggregator and the
// playback scheduler, so none of them need locks.
//
// Stop tears the session down in four independent steps (close transport,
// stop playback, stop capture, release devices), scores it, and reports the
// result to the learner's state exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/admirelc/speakzone/internal/capture"
	"github.com/admirelc/speakzone/internal/learner"
	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/internal/playback"
	"github.com/admirelc/speakzone/internal/prompt"
	"github.com/admirelc/speakzone/internal/scoring"
	"github.com/admirelc/speakzone/internal/transcript"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	"github.com/admirelc/speakzone/pkg/provider/tts"
	"github.com/admirelc/speakzone/pkg/types"
)

var (
	// ErrNotStarted is returned by Stop on a controller that never reached
	// the open state.
	ErrNotStarted = errors.New("session: not started")

	// ErrInvalidState is returned by Start when the controller is not
	// disconnected. Controllers are single-use.
	ErrInvalidState = errors.New("session: invalid state")
)

// eventBuffer is the depth of the dispatch queue shared by voice activity,
// playback-ended callbacks and commands.
const eventBuffer = 256

// Config holds the collaborators of a Controller. All fields except ID and
// Scorer are required.
type Config struct {
	// ID identifies the session in logs and in the summary. Generated when empty.
	ID string

	// Learner supplies the level and mistake memory and receives the result.
	Learner *learner.State

	// Provider opens the live transport.
	Provider s2s.Provider

	// Microphone is opened on Start and released on Stop.
	Microphone capture.Opener

	// Output and Clock render model audio on the learner's device.
	Output playback.Output
	Clock  playback.Clock

	// Scorer rates the finished session. Defaults to a [scoring.RandomScorer].
	Scorer scoring.Scorer
}

// Option configures a Controller.
type Option func(*Controller)

// WithObserver receives live updates.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithVoice selects the tutor's voice on the live service.
func WithVoice(v tts.VoiceProfile) Option {
	return func(c *Controller) { c.voice = v }
}

// WithCaptureOptions passes options (chunk size, VAD threshold or engine) to
// the capture pipeline.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(c *Controller) { c.captureOpts = append(c.captureOpts, opts...) }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock overrides the wall clock used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	State          State                  `json:"state"`
	Modality       types.Modality         `json:"modality"`
	History        []types.TranscriptTurn `json:"history"`
	UserPartial    string                 `json:"user_partial,omitempty"`
	AIPartial      string                 `json:"ai_partial,omitempty"`
	ActivePlayback int                    `json:"active_playback"`
}

// Controller drives one live session. Create it with [New]; it cannot be
// restarted after it stops.
type Controller struct {
	id          string
	learner     *learner.State
	provider    s2s.Provider
	mic         capture.Opener
	out         playback.Output
	clock       playback.Clock
	scorer      scoring.Scorer
	observer    Observer
	voice       tts.VoiceProfile
	captureOpts []capture.Option
	metrics     *observe.Metrics
	now         func() time.Time

	events   chan event
	loopDone chan struct{}
	stopDone chan struct{}

	mu            sync.Mutex
	state         State
	cancelConnect context.CancelFunc
	rt            *runtime
	level         types.Level
	startedAt     time.Time
	stopping      bool
	summary       *types.SessionSummary
	stopErr       error
	history       []types.TranscriptTurn
}

// runtime is the per-session machinery. Owned by the dispatch goroutine once
// the session is open.
type runtime struct {
	handle   s2s.SessionHandle
	src      capture.Source
	pipeline *capture.Pipeline
	sched    *playback.Scheduler
	agg      *transcript.Aggregator
	modality types.Modality
}

type eventKind int

const (
	evActivity eventKind = iota
	evEnded
	evSnapshot
	evStop
)

type event struct {
	kind    eventKind
	id      uint64
	snap    chan<- Snapshot
	stopped chan<- stopResult
}

type stopResult struct {
	history []types.TranscriptTurn
	cleanup error
}

// New returns a disconnected Controller.
func New(cfg Config, opts ...Option) (*Controller, error) {
	switch {
	case cfg.Learner == nil:
		return nil, errors.New("session: learner state is required")
	case cfg.Provider == nil:
		return nil, errors.New("session: transport provider is required")
	case cfg.Microphone == nil:
		return nil, errors.New("session: microphone is required")
	case cfg.Output == nil || cfg.Clock == nil:
		return nil, errors.New("session: playback output and clock are required")
	}
	c := &Controller{
		id:       cfg.ID,
		learner:  cfg.Learner,
		provider: cfg.Provider,
		mic:      cfg.Microphone,
		out:      cfg.Output,
		clock:    cfg.Clock,
		scorer:   cfg.Scorer,
		now:      time.Now,
		events:   make(chan event, eventBuffer),
		loopDone: make(chan struct{}),
		stopDone: make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.scorer == nil {
		c.scorer = scoring.NewRandomScorer(nil)
	}
	if c.observer == nil {
		c.observer = ObserverFuncs{}
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Summary returns the result of a completed Stop, or nil.
func (c *Controller) Summary() *types.SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// ── Start ────────────────────────────────────────────────────────────────────

// Start acquires the microphone, connects the transport and begins streaming.
//
// It fails with [learner.ErrNoLevel] when the learner has not been assessed,
// with an error wrapping [capture.ErrMediaAccess] when the microphone cannot
// be opened, and with an error wrapping [s2s.ErrConnection] when the
// handshake fails. On any failure the controller returns to
// [StateDisconnected] with every acquired resource released, and Start may be
// retried.
//
// ctx bounds the handshake only; the session itself runs until Stop or until
// the service hangs up.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected || c.stopping {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, st)
	}
	level := c.learner.Level()
	if !level.Valid() {
		c.mu.Unlock()
		return learner.ErrNoLevel
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelConnect = cancel
	c.state = StateConnecting
	c.mu.Unlock()
	c.observer.OnState(StateConnecting)

	sessCtx := observe.WithSessionID(context.WithoutCancel(ctx), c.id)
	log := observe.Logger(sessCtx)

	rt, err := c.connect(connCtx, level)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.cancelConnect = nil
		c.mu.Unlock()
		c.observer.OnState(StateDisconnected)
		log.Warn("session: start failed", "err", err)
		return err
	}

	c.mu.Lock()
	c.state = StateOpen
	c.cancelConnect = nil
	c.rt = rt
	c.level = level
	c.startedAt = c.now()
	c.mu.Unlock()
	c.observer.OnState(StateOpen)
	log.Info("session: open", "level", level.String())

	go c.run(sessCtx, rt)
	rt.pipeline.Start(sessCtx)
	return nil
}

// connect performs the fallible part of Start. On error nothing stays acquired.
func (c *Controller) connect(ctx context.Context, level types.Level) (*runtime, error) {
	src, err := c.mic.Open(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrMediaAccess) {
			err = fmt.Errorf("%w: %w", capture.ErrMediaAccess, err)
		}
		return nil, fmt.Errorf("session: open microphone: %w", err)
	}

	instructions := prompt.SystemInstruction(level, c.learner.Performance().Mistakes)

	spanCtx, span := observe.StartSpan(ctx, "session.connect")
	span.SetAttributes(attribute.String("level", level.String()))
	start := time.Now()
	handle, err := c.provider.Connect(spanCtx, s2s.SessionConfig{
		Voice:               c.voice,
		Instructions:        instructions,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	c.metrics.ConnectDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	if err == nil && ctx.Err() != nil {
		// Cancelled by Stop while the handshake was completing.
		_ = handle.Close()
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect")
		span.End()
		if cerr := src.Close(); cerr != nil {
			observe.Logger(ctx).Debug("session: release microphone", "err", cerr)
		}
		if !errors.Is(err, s2s.ErrConnection) {
			err = fmt.Errorf("%w: %w", s2s.ErrConnection, err)
		}
		return nil, fmt.Errorf("session: connect: %w", err)
	}
	span.End()

	rt := &runtime{
		handle:   handle,
		src:      src,
		agg:      transcript.New(transcript.WithClock(c.now)),
		modality: types.ModalityNone,
	}
	opts := append([]capture.Option{capture.WithMetrics(c.metrics)}, c.captureOpts...)
	rt.pipeline, err = capture.New(src, handle, c.activity, opts...)
	if err != nil {
		_ = handle.Close()
		_ = src.Close()
		return nil, fmt.Errorf("session: %w", err)
	}
	rt.sched = playback.New(c.clock, c.out, c.ended)
	return rt, nil
}

// ── Stop ─────────────────────────────────────────────────────────────────────

// Stop ends the session and returns its summary. The first call closes the
// transport, stops playback, stops capture and releases the devices; each
// step runs even when an earlier one fails, and failures are only logged.
// It then scores the session, records mistakes and the new session count on
// the learner (which may promote them), and awards gems.
//
// Later calls return the same summary. Stop on a controller that never
// opened returns [ErrNotStarted]; Stop during the handshake cancels it and
// also returns [ErrNotStarted].
func (c *Controller) Stop(ctx context.Context) (*types.SessionSummary, error) {
	c.mu.Lock()
	switch {
	case c.stopping:
		done := c.stopDone
		c.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.summary, c.stopErr
	case c.state == StateConnecting:
		cancel := c.cancelConnect
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil, ErrNotStarted
	case c.rt == nil:
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	c.stopping = true
	level, startedAt := c.level, c.startedAt
	c.mu.Unlock()

	summary, err := c.finish(ctx, level, startedAt)

	c.mu.Lock()
	c.summary, c.stopErr = summary, err
	c.mu.Unlock()
	close(c.stopDone)

	if summary != nil {
		c.observer.OnSummary(summary)
	}
	return summary, err
}

func (c *Controller) finish(ctx context.Context, level types.Level, startedAt time.Time) (*types.SessionSummary, error) {
	ctx = observe.WithSessionID(ctx, c.id)
	ctx, span := observe.StartSpan(ctx, "session.Stop")
	defer span.End()
	log := observe.Logger(ctx)

	reply := make(chan stopResult, 1)
	c.events <- event{kind: evStop, stopped: reply}
	res := <-reply
	if res.cleanup != nil {
		log.Warn("session: cleanup", "err", res.cleanup)
	}

	c.mu.Lock()
	c.history = res.history
	c.mu.Unlock()

	ended := c.now()
	duration := ended.Sub(startedAt)
	c.metrics.SessionDuration.Record(ctx, duration.Seconds())

	scores, err := c.scorer.Score(ctx, level, res.history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "score")
		return nil, fmt.Errorf("session: score: %w", err)
	}

	mistakes := scoring.Mistakes(scores, ended)
	delta := scoring.PerformanceDelta(scores, c.learner.Performance().SessionCount)
	upd := c.learner.UpdatePerformance(ctx, delta, mistakes)
	c.learner.AddGems(ctx, learner.SessionGems)

	summary := &types.SessionSummary{
		SessionID:  c.id,
		Level:      level,
		Scores:     scores,
		Score:      scores.Overall(),
		Mistakes:   mistakes,
		Tips:       scoring.Tips(level, scores),
		History:    res.history,
		Promoted:   upd.Promoted,
		NewLevel:   upd.Level,
		Duration:   duration,
		DurationMS: duration.Milliseconds(),
		EndedAt:    ended,
	}
	span.SetAttributes(
		attribute.Int("score", summary.Score),
		attribute.Bool("promoted", summary.Promoted),
	)
	log.Info("session: summary",
		"score", summary.Score,
		"turns", len(res.history),
		"mistakes", len(mistakes),
		"promoted", summary.Promoted,
		"duration", duration,
	)
	return summary, nil
}

// ── Snapshot ─────────────────────────────────────────────────────────────────

// Snapshot returns the live view of the session. After Stop it returns the
// final history.
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	running := c.rt != nil
	c.mu.Unlock()
	if !running {
		return c.finalSnapshot(), nil
	}

	reply := make(chan Snapshot, 1)
	select {
	case c.events <- event{kind: evSnapshot, snap: reply}:
	case <-c.loopDone:
		return c.finalSnapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-c.loopDone:
		return c.finalSnapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (c *Controller) finalSnapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:    c.state,
		Modality: types.ModalityNone,
		History:  append([]types.TranscriptTurn(nil), c.history...),
	}
}

// ── Dispatch ─────────────────────────────────────────────────────────────────

// activity is the capture pipeline's voice callback. Dropping a signal when
// the queue is full is harmless: the next voiced chunk repeats it.
func (c *Controller) activity() {
	select {
	case c.events <- event{kind: evActivity}:
	default:
	}
}

// ended is the playback output's completion callback.
func (c *Controller) ended(id uint64) {
	select {
	case c.events <- event{kind: evEnded, id: id}:
	case <-c.loopDone:
	}
}

// run is the dispatch goroutine. It exits after handling the stop command.
func (c *Controller) run(ctx context.Context, rt *runtime) {
	defer close(c.loopDone)
	inbound := rt.handle.Events()
	for {
		select {
		case ev, ok := <-inbound:
			if !ok {
				inbound = nil
				c.serverClosed(ctx, rt, rt.handle.Err())
				continue
			}
			if ev.Kind == s2s.EventClosed {
				inbound = nil
			}
			c.handleInbound(ctx, rt, ev)

		case ev := <-c.events:
			switch ev.kind {
			case evActivity:
				if rt.modality != types.ModalityAI {
					c.setModality(rt, types.ModalityUser)
				}
			case evEnded:
				if rt.sched.Ended(ev.id) {
					c.setModality(rt, types.ModalityNone)
				}
			case evSnapshot:
				ev.snap <- Snapshot{
					State:          c.State(),
					Modality:       rt.modality,
					History:        rt.agg.History(),
					UserPartial:    rt.agg.Partial(types.RoleUser),
					AIPartial:      rt.agg.Partial(types.RoleAI),
					ActivePlayback: rt.sched.Active(),
				}
			case evStop:
				ev.stopped <- c.teardown(ctx, rt)
				return
			}
		}
	}
}

func (c *Controller) handleInbound(ctx context.Context, rt *runtime, ev s2s.Event) {
	log := observe.Logger(ctx)
	switch ev.Kind {
	case s2s.EventTranscript:
		rt.agg.Append(ev.Role, ev.Text)
		if ev.Role == types.RoleAI {
			c.setModality(rt, types.ModalityAI)
		}
		c.observer.OnTranscript(ev.Role, rt.agg.Partial(ev.Role))

	case s2s.EventAudio:
		sc, err := rt.sched.Schedule(ev.Audio)
		if err != nil {
			c.metrics.DecodeErrors.Add(ctx, 1)
			log.Warn("session: skip audio chunk", "bytes", len(ev.Audio), "err", err)
			return
		}
		c.metrics.PlaybackChunks.Add(ctx, 1)
		log.Debug("session: scheduled audio", "chunk", sc.ID, "start", sc.Start, "duration", sc.Duration)

	case s2s.EventTurnComplete:
		turns := rt.agg.Complete()
		c.setModality(rt, types.ModalityNone)
		xp := c.learner.AddXP(ctx, learner.TurnXP)
		c.metrics.Turns.Add(ctx, 1)
		log.Debug("session: turn complete", "entries", len(turns), "xp", xp)
		c.observer.OnTurn(turns)

	case s2s.EventInterrupted:
		if err := rt.sched.StopAll(); err != nil {
			log.Debug("session: stop playback on interrupt", "err", err)
		}
		c.setModality(rt, types.ModalityNone)

	case s2s.EventError:
		log.Warn("session: transport error", "err", ev.Err)

	case s2s.EventClosed:
		c.serverClosed(ctx, rt, ev.Err)
	}
}

// serverClosed handles the service hanging up: the session becomes Closed and
// capture halts. Queued audio keeps playing; Stop still produces the summary.
func (c *Controller) serverClosed(ctx context.Context, rt *runtime, cause error) {
	if c.State() == StateClosed {
		return
	}
	rt.pipeline.Stop()
	observe.Logger(ctx).Info("session: closed by server", "err", cause)
	c.setState(StateClosed)
}

// teardown runs the four cleanup steps on the dispatch goroutine.
func (c *Controller) teardown(ctx context.Context, rt *runtime) stopResult {
	var errs []error
	if err := rt.handle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := rt.sched.StopAll(); err != nil {
		errs = append(errs, err)
	}
	rt.pipeline.Stop()
	if err := c.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close output: %w", err))
	}
	if err := rt.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release microphone: %w", err))
	}
	observe.Logger(ctx).Debug("session: torn down",
		"frames_sent", rt.pipeline.Sent(),
		"frames_dropped", rt.pipeline.Dropped(),
	)

	c.setModality(rt, types.ModalityNone)
	c.setState(StateClosed)
	return stopResult{history: rt.agg.History(), cleanup: errors.Join(errs...)}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.observer.OnState(s)
}

func (c *Controller) setModality(rt *runtime, m types.Modality) {
	if rt.modality == m {
		return
	}
	rt.modality = m
	c.observer.OnModality(m)
}
