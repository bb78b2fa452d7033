package capture_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"

	"github.com/admirelc/speakzone/internal/capture"
	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	s2smock "github.com/admirelc/speakzone/pkg/provider/s2s/mock"
	"github.com/admirelc/speakzone/pkg/provider/vad"
	vadmock "github.com/admirelc/speakzone/pkg/provider/vad/mock"
)

// ── fakes ─────────────────────────────────────────────────────────────────────

type fakeSource struct {
	format  audio.Format
	samples chan []float32
	closed  atomic.Int32
}

func newSource(f audio.Format) *fakeSource {
	return &fakeSource{format: f, samples: make(chan []float32, 64)}
}

func (s *fakeSource) Format() audio.Format      { return s.format }
func (s *fakeSource) Samples() <-chan []float32 { return s.samples }
func (s *fakeSource) Close() error              { s.closed.Add(1); return nil }

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

func block(n int, v float32) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// runToEnd feeds blocks, closes the source and waits for the pipeline to exit.
func runToEnd(t *testing.T, p *capture.Pipeline, src *fakeSource, blocks ...[]float32) {
	t.Helper()
	p.Start(context.Background())
	for _, b := range blocks {
		src.samples <- b
	}
	close(src.samples)
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not exit after source closed")
	}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestPipeline_FramesFixedChunks(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	sess := s2smock.NewSession()
	p, err := capture.New(src, sess, nil, capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}

	// 2.5 chunks delivered in uneven blocks.
	total := capture.DefaultChunkSamples*2 + capture.DefaultChunkSamples/2
	var blocks [][]float32
	for rest := total; rest > 0; rest -= 1000 {
		blocks = append(blocks, block(min(rest, 1000), 0.1))
	}
	runToEnd(t, p, src, blocks...)

	sent := sess.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2 (partial chunk must be held back)", len(sent))
	}
	for i, f := range sent {
		if f.Samples() != capture.DefaultChunkSamples {
			t.Errorf("frame %d has %d samples, want %d", i, f.Samples(), capture.DefaultChunkSamples)
		}
		if f.SampleRate != audio.InputSampleRate || f.Channels != 1 {
			t.Errorf("frame %d format = %d Hz x%d", i, f.SampleRate, f.Channels)
		}
	}
	if sent[1].Timestamp != 256*time.Millisecond {
		t.Errorf("second frame timestamp = %v, want 256ms", sent[1].Timestamp)
	}
	if p.Sent() != 2 || p.Dropped() != 0 {
		t.Errorf("Sent/Dropped = %d/%d, want 2/0", p.Sent(), p.Dropped())
	}
}

func TestPipeline_EncodesPCM16(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	sess := s2smock.NewSession()
	p, err := capture.New(src, sess, nil, capture.WithChunkSamples(4), capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	runToEnd(t, p, src, []float32{0.5, -0.5, 1, -1})

	sent := sess.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	want := audio.FloatToPCM16([]float32{0.5, -0.5, 1, -1})
	if string(sent[0].Data) != string(want) {
		t.Errorf("payload = %v, want %v", sent[0].Data, want)
	}
}

func TestPipeline_ActivityOnlyWhenVoiced(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level float32
		want  int64
	}{
		{"silence", 0, 0},
		{"below threshold", 0.015, 0},
		{"at threshold", 0.02, 0},
		// Quantizes to 655 in int16, which is below 0.02 of full scale.
		{"just above threshold", 0.02001, 1},
		{"above threshold", 0.03, 1},
		{"negative peak", -0.03, 1},
		{"loud", 0.8, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			src := newSource(audio.CaptureFormat)
			sess := s2smock.NewSession()
			var activity atomic.Int64
			p, err := capture.New(src, sess, func() { activity.Add(1) },
				capture.WithChunkSamples(256), capture.WithMetrics(testMetrics(t)))
			if err != nil {
				t.Fatal(err)
			}
			chunk := block(256, 0)
			chunk[100] = tt.level
			runToEnd(t, p, src, chunk)

			if got := activity.Load(); got != tt.want {
				t.Errorf("activity reports = %d, want %d", got, tt.want)
			}
			// Every chunk is forwarded regardless of voice activity.
			if len(sess.Sent()) != 1 {
				t.Errorf("sent %d frames, want 1", len(sess.Sent()))
			}
		})
	}
}

func TestPipeline_ZeroThreshold(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	var activity atomic.Int64
	p, err := capture.New(src, s2smock.NewSession(), func() { activity.Add(1) },
		capture.WithChunkSamples(256), capture.WithThreshold(0), capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	faint := block(256, 0)
	faint[7] = 1e-4
	runToEnd(t, p, src, block(256, 0), faint)

	if got := activity.Load(); got != 1 {
		t.Errorf("activity reports = %d, want 1 (only the faint chunk)", got)
	}
}

func TestPipeline_UsesConfiguredVAD(t *testing.T) {
	t.Parallel()
	vs := &vadmock.Session{Events: []vad.Event{
		{Type: vad.Silence},
		{Type: vad.SpeechStart},
		{Type: vad.SpeechContinue},
		{Type: vad.SpeechEnd},
	}}
	eng := &vadmock.Engine{Session: vs}
	src := newSource(audio.CaptureFormat)
	var activity atomic.Int64
	p, err := capture.New(src, s2smock.NewSession(), func() { activity.Add(1) },
		capture.WithVAD(eng), capture.WithChunkSamples(8), capture.WithThreshold(0.1),
		capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	runToEnd(t, p, src, block(32, 0))

	if len(eng.Configs) != 1 {
		t.Fatalf("NewSession calls = %d, want 1", len(eng.Configs))
	}
	cfg := eng.Configs[0]
	if cfg.SampleRate != audio.InputSampleRate || cfg.FrameSamples != 8 || cfg.Threshold != 0.1 {
		t.Errorf("vad config = %+v", cfg)
	}
	if got := len(vs.Frames()); got != 4 {
		t.Errorf("vad saw %d frames, want 4", got)
	}
	if got := activity.Load(); got != 2 {
		t.Errorf("activity reports = %d, want 2 (start + continue)", got)
	}
	if vs.CloseCalls() != 1 {
		t.Errorf("vad session closed %d times, want 1", vs.CloseCalls())
	}
}

func TestPipeline_CountsDrops(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	sess := s2smock.NewSession()
	sess.SetSendErr(s2s.ErrFrameDropped)
	p, err := capture.New(src, sess, nil, capture.WithChunkSamples(10), capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	runToEnd(t, p, src, block(35, 0.1))

	if p.Dropped() != 3 || p.Sent() != 0 {
		t.Errorf("Sent/Dropped = %d/%d, want 0/3", p.Sent(), p.Dropped())
	}
	if sess.Dropped() != 3 {
		t.Errorf("transport dropped = %d, want 3", sess.Dropped())
	}
}

func TestPipeline_ConvertsDeviceFormat(t *testing.T) {
	t.Parallel()
	src := newSource(audio.Format{SampleRate: 48000, Channels: 2})
	sess := s2smock.NewSession()
	p, err := capture.New(src, sess, nil, capture.WithChunkSamples(160), capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	// 10 ms of 48 kHz stereo: 480 frames, 960 interleaved samples -> 160 at 16 kHz.
	runToEnd(t, p, src, block(960, 0.25))

	sent := sess.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if sent[0].Samples() != 160 {
		t.Errorf("frame samples = %d, want 160", sent[0].Samples())
	}
}

func TestPipeline_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	sess := s2smock.NewSession()
	p, err := capture.New(src, sess, nil, capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	select {
	case <-p.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if src.closed.Load() != 0 {
		t.Error("Stop must not close the source")
	}
	// Samples arriving after Stop are ignored.
	src.samples <- block(capture.DefaultChunkSamples, 0.5)
	if len(sess.Sent()) != 0 {
		t.Error("frame sent after Stop")
	}
}

func TestPipeline_StopBeforeStart(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	p, err := capture.New(src, s2smock.NewSession(), nil, capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop before Start blocked")
	}
}

func TestPipeline_ContextCancelStops(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	p, err := capture.New(src, s2smock.NewSession(), nil, capture.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline ignored context cancellation")
	}
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()
	src := newSource(audio.CaptureFormat)
	if _, err := capture.New(src, s2smock.NewSession(), nil, capture.WithChunkSamples(0)); err == nil {
		t.Error("zero chunk size accepted")
	}
	boom := errors.New("no model")
	if _, err := capture.New(src, s2smock.NewSession(), nil,
		capture.WithVAD(&vadmock.Engine{NewSessionErr: boom})); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped %v", err, boom)
	}
}

func TestOpenerFunc_WrapsMediaAccess(t *testing.T) {
	t.Parallel()
	var o capture.Opener = capture.OpenerFunc(func(context.Context) (capture.Source, error) {
		return nil, errors.Join(capture.ErrMediaAccess, errors.New("permission denied"))
	})
	if _, err := o.Open(context.Background()); !errors.Is(err, capture.ErrMediaAccess) {
		t.Errorf("err = %v, want ErrMediaAccess", err)
	}
}
