package session_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/admirelc/speakzone/internal/capture"
	"github.com/admirelc/speakzone/internal/learner"
	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/internal/playback"
	"github.com/admirelc/speakzone/internal/session"
	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	s2smock "github.com/admirelc/speakzone/pkg/provider/s2s/mock"
	"github.com/admirelc/speakzone/pkg/store/memstore"
	"github.com/admirelc/speakzone/pkg/types"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeSource struct {
	samples chan []float32
	once    sync.Once
	mu      sync.Mutex
	closes  int
}

func newSource() *fakeSource { return &fakeSource{samples: make(chan []float32, 16)} }

func (s *fakeSource) Format() audio.Format {
	return audio.Format{SampleRate: audio.InputSampleRate, Channels: 1}
}
func (s *fakeSource) Samples() <-chan []float32 { return s.samples }
func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	s.once.Do(func() { close(s.samples) })
	return nil
}
func (s *fakeSource) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// speak feeds one voiced capture chunk.
func (s *fakeSource) speak() {
	b := make([]float32, capture.DefaultChunkSamples)
	for i := range b {
		b[i] = 0.5
	}
	s.samples <- b
}

type fakeClock struct{}

func (fakeClock) Now() time.Duration { return 0 }

type fakeHandle struct{ err error }

func (h fakeHandle) Stop() error { return h.err }

type fakeOutput struct {
	mu       sync.Mutex
	ends     []func()
	stopErr  error
	closeErr error
	closes   int
}

func (o *fakeOutput) Play(_ *audio.Buffer, _ time.Duration, onEnded func()) (playback.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ends = append(o.ends, onEnded)
	return fakeHandle{err: o.stopErr}, nil
}

func (o *fakeOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes++
	return o.closeErr
}

func (o *fakeOutput) played() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ends)
}

// finish reports the natural end of the i-th played chunk.
func (o *fakeOutput) finish(i int) {
	o.mu.Lock()
	f := o.ends[i]
	o.mu.Unlock()
	f()
}

type fixedScorer struct {
	scores types.Scores
	err    error
}

func (s fixedScorer) Score(context.Context, types.Level, []types.TranscriptTurn) (types.Scores, error) {
	return s.scores, s.err
}

type recorder struct {
	mu         sync.Mutex
	states     []session.State
	modalities []types.Modality
	turns      [][]types.TranscriptTurn
	summaries  []*types.SessionSummary
}

func (r *recorder) OnState(s session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}
func (r *recorder) OnModality(m types.Modality) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modalities = append(r.modalities, m)
}
func (r *recorder) OnTranscript(types.Role, string) {}
func (r *recorder) OnTurn(t []types.TranscriptTurn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, t)
}
func (r *recorder) OnSummary(s *types.SessionSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func (r *recorder) snapshot() ([]session.State, []types.Modality, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.states), slices.Clone(r.modalities), len(r.turns), len(r.summaries)
}

// ── helpers ───────────────────────────────────────────────────────────────────

var goodScores = types.Scores{Fluency: 90, Clarity: 90, Confidence: 90, Accuracy: 90, Vocabulary: 90}

type harness struct {
	ctl     *session.Controller
	learner *learner.State
	sess    *s2smock.Session
	prov    *s2smock.Provider
	src     *fakeSource
	out     *fakeOutput
	obs     *recorder
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := metric.NewMeterProvider(metric.WithReader(metric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func newHarness(t *testing.T, level types.Level, scorer fixedScorer) *harness {
	t.Helper()
	ctx := context.Background()
	m := testMetrics(t)
	st, err := learner.Load(ctx, "learner-1", memstore.New(), learner.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	if level != types.LevelUnset {
		if err := st.SetLevel(ctx, level); err != nil {
			t.Fatal(err)
		}
	}
	h := &harness{
		learner: st,
		sess:    s2smock.NewSession(),
		src:     newSource(),
		out:     &fakeOutput{},
		obs:     &recorder{},
	}
	h.prov = &s2smock.Provider{Session: h.sess}
	h.ctl, err = session.New(session.Config{
		ID:       "sess-1",
		Learner:  st,
		Provider: h.prov,
		Microphone: capture.OpenerFunc(func(context.Context) (capture.Source, error) {
			return h.src, nil
		}),
		Output: h.out,
		Clock:  fakeClock{},
		Scorer: scorer,
	}, session.WithObserver(h.obs), session.WithMetrics(m))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) snap(t *testing.T) session.Snapshot {
	t.Helper()
	s, err := h.ctl.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// pcm returns 100 ms of silent 24 kHz mono PCM.
func pcm() []byte { return make([]byte, audio.OutputSampleRate/10*2) }

// ── start ─────────────────────────────────────────────────────────────────────

func TestStart_RequiresLevel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelUnset, fixedScorer{scores: goodScores})

	if err := h.ctl.Start(context.Background()); !errors.Is(err, learner.ErrNoLevel) {
		t.Fatalf("Start = %v, want ErrNoLevel", err)
	}
	if len(h.prov.Calls()) != 0 {
		t.Error("transport contacted without a level")
	}
	if h.ctl.State() != session.StateDisconnected {
		t.Errorf("state = %s", h.ctl.State())
	}
}

func TestStart_MediaAccessDenied(t *testing.T) {
	t.Parallel()
	st, _ := learner.Load(context.Background(), "l", memstore.New())
	_ = st.SetLevel(context.Background(), types.LevelBeginner)
	prov := &s2smock.Provider{}
	ctl, err := session.New(session.Config{
		Learner:  st,
		Provider: prov,
		Microphone: capture.OpenerFunc(func(context.Context) (capture.Source, error) {
			return nil, errors.New("NotAllowedError")
		}),
		Output: &fakeOutput{},
		Clock:  fakeClock{},
	})
	if err != nil {
		t.Fatal(err)
	}

	err = ctl.Start(context.Background())
	if !errors.Is(err, capture.ErrMediaAccess) {
		t.Fatalf("Start = %v, want ErrMediaAccess", err)
	}
	if len(prov.Calls()) != 0 {
		t.Error("transport contacted after microphone failure")
	}
	if ctl.State() != session.StateDisconnected {
		t.Errorf("state = %s, want disconnected", ctl.State())
	}
	if ctl.ID() == "" {
		t.Error("no generated session id")
	}
}

func TestStart_ConnectionFailureReleasesMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	h.prov.ConnectErr = errors.New("dial tcp: refused")

	err := h.ctl.Start(context.Background())
	if !errors.Is(err, s2s.ErrConnection) {
		t.Fatalf("Start = %v, want ErrConnection", err)
	}
	if h.src.closeCount() == 0 {
		t.Error("microphone not released")
	}
	states, _, _, _ := h.obs.snapshot()
	want := []session.State{session.StateConnecting, session.StateDisconnected}
	if !slices.Equal(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	if _, err := h.ctl.Stop(context.Background()); !errors.Is(err, session.ErrNotStarted) {
		t.Errorf("Stop after failed start = %v, want ErrNotStarted", err)
	}
}

func TestStart_SendsLevelInstructions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelIntermediate, fixedScorer{scores: goodScores})
	h.start(t)
	defer h.ctl.Stop(context.Background())

	calls := h.prov.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d", len(calls))
	}
	cfg := calls[0].Cfg
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription not requested")
	}
	if cfg.Instructions == "" {
		t.Error("empty system instruction")
	}
	if err := h.ctl.Start(context.Background()); !errors.Is(err, session.ErrInvalidState) {
		t.Errorf("second Start = %v, want ErrInvalidState", err)
	}
}

func TestStop_NeverStarted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	if _, err := h.ctl.Stop(context.Background()); !errors.Is(err, session.ErrNotStarted) {
		t.Fatalf("Stop = %v, want ErrNotStarted", err)
	}
}

// ── live events ───────────────────────────────────────────────────────────────

func TestSession_TurnFlow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	xp0 := h.learner.Snapshot().Stats.XP
	h.start(t)

	h.sess.Push(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleUser, Text: "Salom, "})
	h.sess.Push(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleUser, Text: "how are you?"})
	h.sess.Push(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleAI, Text: "I am fine."})
	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: pcm()})

	snap := h.snap(t)
	if snap.Modality != types.ModalityAI {
		t.Errorf("modality = %s, want ai", snap.Modality)
	}
	if snap.UserPartial != "Salom, how are you?" || snap.AIPartial != "I am fine." {
		t.Errorf("partials = %q / %q", snap.UserPartial, snap.AIPartial)
	}
	if snap.ActivePlayback != 1 || h.out.played() != 1 {
		t.Errorf("active playback = %d, played = %d", snap.ActivePlayback, h.out.played())
	}

	h.sess.Push(s2s.Event{Kind: s2s.EventTurnComplete})
	snap = h.snap(t)
	if snap.Modality != types.ModalityNone {
		t.Errorf("modality after turn = %s, want none", snap.Modality)
	}
	if len(snap.History) != 2 || snap.History[0].Role != types.RoleUser || snap.History[1].Role != types.RoleAI {
		t.Errorf("history = %+v", snap.History)
	}
	if got := h.learner.Snapshot().Stats.XP; got != xp0+learner.TurnXP {
		t.Errorf("xp = %d, want %d", got, xp0+learner.TurnXP)
	}
	if _, _, turns, _ := h.obs.snapshot(); turns != 1 {
		t.Errorf("OnTurn calls = %d, want 1", turns)
	}

	sum, err := h.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(sum.History) != 2 {
		t.Errorf("summary history = %d entries", len(sum.History))
	}
}

func TestSession_ModalityRules(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	h.start(t)
	defer h.ctl.Stop(context.Background())

	h.src.speak()
	eventually(t, "first frame", func() bool { return len(h.sess.Sent()) == 1 })
	if m := h.snap(t).Modality; m != types.ModalityUser {
		t.Fatalf("modality after voice = %s, want user", m)
	}

	h.sess.Push(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleAI, Text: "Yes?"})
	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: pcm()})
	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: pcm()})
	if m := h.snap(t).Modality; m != types.ModalityAI {
		t.Fatalf("modality after ai transcript = %s, want ai", m)
	}

	// Voice activity never overrides the tutor.
	h.src.speak()
	eventually(t, "second frame", func() bool { return len(h.sess.Sent()) == 2 })
	if m := h.snap(t).Modality; m != types.ModalityAI {
		t.Fatalf("modality after voice during ai = %s, want ai", m)
	}

	// The first chunk ending leaves one playing.
	h.out.finish(0)
	if s := h.snap(t); s.Modality != types.ModalityAI || s.ActivePlayback != 1 {
		t.Fatalf("after first end: %s, active %d", s.Modality, s.ActivePlayback)
	}
	h.out.finish(1)
	if s := h.snap(t); s.Modality != types.ModalityNone || s.ActivePlayback != 0 {
		t.Fatalf("after last end: %s, active %d", s.Modality, s.ActivePlayback)
	}
}

func TestSession_DecodeErrorSkipsChunk(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	h.start(t)
	defer h.ctl.Stop(context.Background())

	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: []byte{1, 2, 3}})
	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: pcm()})

	if s := h.snap(t); s.ActivePlayback != 1 || s.State != session.StateOpen {
		t.Errorf("after bad chunk: active %d, state %s", s.ActivePlayback, s.State)
	}
}

func TestSession_InterruptStopsPlayback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	h.start(t)
	defer h.ctl.Stop(context.Background())

	h.sess.Push(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleAI, Text: "Let me"})
	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: pcm()})
	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: pcm()})
	h.sess.Push(s2s.Event{Kind: s2s.EventInterrupted})

	s := h.snap(t)
	if s.ActivePlayback != 0 || s.Modality != types.ModalityNone {
		t.Errorf("after interrupt: active %d, modality %s", s.ActivePlayback, s.Modality)
	}
}

func TestSession_ServerCloseThenStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	h.start(t)

	h.sess.Push(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleUser, Text: "bye"})
	h.sess.Push(s2s.Event{Kind: s2s.EventTurnComplete})
	h.sess.CloseFromServer(errors.New("going away"))

	eventually(t, "closed state", func() bool { return h.ctl.State() == session.StateClosed })

	sum, err := h.ctl.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(sum.History) != 1 {
		t.Errorf("history = %+v", sum.History)
	}
	if _, _, _, n := h.obs.snapshot(); n != 1 {
		t.Errorf("OnSummary calls = %d, want 1", n)
	}
}

// ── stop ──────────────────────────────────────────────────────────────────────

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	gems0 := h.learner.Snapshot().Stats.Gems
	h.start(t)

	var wg sync.WaitGroup
	sums := make([]*types.SessionSummary, 3)
	for i := range sums {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sums[i], _ = h.ctl.Stop(context.Background())
		}()
	}
	wg.Wait()

	for i, s := range sums {
		if s == nil || s != sums[0] {
			t.Fatalf("Stop #%d returned %p, want shared summary %p", i, s, sums[0])
		}
	}
	if got := h.learner.Snapshot().Stats.Gems; got != gems0+learner.SessionGems {
		t.Errorf("gems = %d, want %d (awarded once)", got, gems0+learner.SessionGems)
	}
	if got := h.learner.Performance().SessionCount; got != 1 {
		t.Errorf("session count = %d, want 1", got)
	}
	if h.sess.CloseCalls() != 1 || h.src.closeCount() != 1 {
		t.Errorf("close calls: transport %d, mic %d", h.sess.CloseCalls(), h.src.closeCount())
	}
	if _, _, _, n := h.obs.snapshot(); n != 1 {
		t.Errorf("OnSummary calls = %d, want 1", n)
	}
	if h.ctl.Summary() != sums[0] {
		t.Error("Summary() differs from Stop result")
	}
}

func TestStop_CleanupContinuesAfterFailures(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: goodScores})
	h.out.stopErr = errors.New("already stopped")
	h.out.closeErr = errors.New("device gone")
	h.sess.SetCloseErr(errors.New("socket closed"))
	h.start(t)

	h.sess.Push(s2s.Event{Kind: s2s.EventAudio, Audio: pcm()})
	if h.snap(t).ActivePlayback != 1 {
		t.Fatal("chunk not scheduled")
	}

	sum, err := h.ctl.Stop(context.Background())
	if err != nil || sum == nil {
		t.Fatalf("Stop = %v, %v; cleanup failures must not fail Stop", sum, err)
	}
	if h.src.closeCount() != 1 {
		t.Error("microphone not released after earlier steps failed")
	}
	if h.ctl.State() != session.StateClosed {
		t.Errorf("state = %s", h.ctl.State())
	}
	_, mods, _, _ := h.obs.snapshot()
	if len(mods) > 0 && mods[len(mods)-1] != types.ModalityNone {
		t.Errorf("final modality = %s", mods[len(mods)-1])
	}
}

func TestStop_RecordsMistakesAndPromotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	weak := types.Scores{Fluency: 70, Clarity: 60, Confidence: 70, Accuracy: 60, Vocabulary: 70}

	h := newHarness(t, types.LevelBeginner, fixedScorer{scores: weak})
	h.start(t)
	sum, err := h.ctl.Stop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum.Mistakes) != 2 || sum.Promoted || sum.Score != 66 {
		t.Errorf("weak summary = %+v", sum)
	}
	if got := len(h.learner.Performance().Mistakes); got != 2 {
		t.Errorf("recorded mistakes = %d, want 2", got)
	}

	// Two more strong sessions reach the default three-session threshold.
	for i := range 2 {
		ctl, err := session.New(session.Config{
			Learner:  h.learner,
			Provider: &s2smock.Provider{},
			Microphone: capture.OpenerFunc(func(context.Context) (capture.Source, error) {
				return newSource(), nil
			}),
			Output: &fakeOutput{},
			Clock:  fakeClock{},
			Scorer: fixedScorer{scores: goodScores},
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := ctl.Start(ctx); err != nil {
			t.Fatal(err)
		}
		sum, err = ctl.Stop(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if want := i == 1; sum.Promoted != want {
			t.Errorf("session %d promoted = %v, want %v", i+2, sum.Promoted, want)
		}
	}
	if sum.NewLevel != types.LevelElementary || h.learner.Level() != types.LevelElementary {
		t.Errorf("level = %s / %s, want Elementary", sum.NewLevel, h.learner.Level())
	}
	if p := h.learner.Performance(); p.SessionCount != 0 || len(p.Mistakes) != 0 {
		t.Errorf("performance not reset after promotion: %+v", p)
	}
}

func TestStop_ScoringFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, types.LevelBeginner, fixedScorer{err: errors.New("model unavailable")})
	h.start(t)

	if _, err := h.ctl.Stop(context.Background()); err == nil {
		t.Fatal("expected scoring error")
	}
	if got := h.learner.Performance().SessionCount; got != 0 {
		t.Errorf("session count = %d, want unchanged", got)
	}
	if h.src.closeCount() != 1 {
		t.Error("devices not released on scoring failure")
	}
}
