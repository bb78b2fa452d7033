// Package capture turns a microphone stream into fixed-size PCM frames for the
// live transport.
//
// A [Pipeline] reads float32 sample blocks from a [Source], converts them to
// 16 kHz mono when the device runs at another format, and cuts them into
// chunks of [DefaultChunkSamples]. Each chunk is encoded to 16-bit PCM, run
// through a VAD session, and handed to the [Sender]. Voiced chunks are
// reported through the activity callback before the send.
//
// The pipeline never blocks on its consumers: the transport's Send is
// non-blocking and decides the drop policy, and the activity callback must
// return immediately.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	"github.com/admirelc/speakzone/pkg/provider/vad"
	"github.com/admirelc/speakzone/pkg/provider/vad/energy"
)

// DefaultChunkSamples is the frame size handed to the transport: 256 ms at 16 kHz.
const DefaultChunkSamples = 4096

// ErrMediaAccess is returned (wrapped) by an [Opener] when the microphone
// cannot be acquired, e.g. because the user denied permission.
var ErrMediaAccess = errors.New("capture: media access denied")

// Source is an open microphone.
type Source interface {
	// Format reports the device's native sample rate and channel count.
	Format() audio.Format

	// Samples delivers interleaved float32 blocks in [-1, 1]. The channel is
	// closed when the device stops.
	Samples() <-chan []float32

	// Close releases the device. Safe to call more than once.
	Close() error
}

// Opener acquires a microphone.
type Opener interface {
	Open(ctx context.Context) (Source, error)
}

// OpenerFunc adapts a function to [Opener].
type OpenerFunc func(ctx context.Context) (Source, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context) (Source, error) { return f(ctx) }

// Sender accepts outbound frames without blocking. [s2s.SessionHandle]
// satisfies it.
type Sender interface {
	Send(frame audio.AudioFrame) error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithChunkSamples overrides the frame size in samples.
func WithChunkSamples(n int) Option {
	return func(p *Pipeline) { p.chunk = n }
}

// WithThreshold overrides the VAD amplitude threshold (fraction of full scale).
func WithThreshold(th float64) Option {
	return func(p *Pipeline) { p.threshold = th }
}

// WithVAD replaces the default energy engine.
func WithVAD(e vad.Engine) Option {
	return func(p *Pipeline) { p.engine = e }
}

// WithMetrics records frame outcomes on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline frames one Source into one Sender.
type Pipeline struct {
	src        Source
	sender     Sender
	onActivity func()

	chunk     int
	threshold float64
	engine    vad.Engine
	metrics   *observe.Metrics

	vad     vad.SessionHandle
	conv    *audio.FloatConverter
	pending []float32
	elapsed time.Duration

	sent    atomic.Int64
	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New builds a pipeline reading src and writing to sender. onActivity, if
// non-nil, is called for every voiced chunk from the pipeline goroutine and
// must not block.
func New(src Source, sender Sender, onActivity func(), opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		src:        src,
		sender:     sender,
		onActivity: onActivity,
		chunk:      DefaultChunkSamples,
		threshold:  energy.DefaultThreshold,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	if p.chunk <= 0 {
		return nil, fmt.Errorf("capture: chunk size must be positive, got %d", p.chunk)
	}
	if p.engine == nil {
		p.engine = energy.New()
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}

	sess, err := p.engine.NewSession(vad.Config{
		SampleRate:   audio.InputSampleRate,
		FrameSamples: p.chunk,
		Threshold:    p.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: vad session: %w", err)
	}
	p.vad = sess
	p.conv = &audio.FloatConverter{Source: src.Format(), TargetRate: audio.InputSampleRate}
	p.pending = make([]float32, 0, 2*p.chunk)
	return p, nil
}

// Start launches the processing goroutine. Later calls are no-ops. The
// goroutine exits when ctx is done, [Pipeline.Stop] is called, or the source
// closes its sample channel.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.run(ctx)
	})
}

// Stop halts processing and waits for the goroutine to exit. It does not close
// the Source; releasing the device is the owner's job. Safe to call more than
// once and before Start.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	// Never started: consume the start slot so a late Start stays a no-op.
	p.startOnce.Do(func() {
		_ = p.vad.Close()
		close(p.done)
	})
	<-p.done
}

// Done is closed once the processing goroutine has exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Sent returns the number of frames the sender accepted.
func (p *Pipeline) Sent() int64 { return p.sent.Load() }

// Dropped returns the number of frames the sender refused.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if err := p.vad.Close(); err != nil {
			slog.Debug("capture: vad close", "err", err)
		}
	}()

	samples := p.src.Samples()
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case block, ok := <-samples:
			if !ok {
				slog.Debug("capture: source closed")
				return
			}
			p.push(ctx, block)
		}
	}
}

// push appends one device block and emits every complete chunk.
func (p *Pipeline) push(ctx context.Context, block []float32) {
	p.pending = append(p.pending, p.conv.Convert(block)...)
	off := 0
	for len(p.pending)-off >= p.chunk {
		p.emit(ctx, p.pending[off:off+p.chunk])
		off += p.chunk
	}
	if off > 0 {
		p.pending = append(p.pending[:0], p.pending[off:]...)
	}
}

func (p *Pipeline) emit(ctx context.Context, chunk []float32) {
	pcm := audio.FloatToPCM16(chunk)

	var (
		ev  vad.Event
		err error
	)
	if fp, ok := p.vad.(vad.FloatProcessor); ok {
		ev, err = fp.ProcessFloat(chunk)
	} else {
		ev, err = p.vad.ProcessFrame(pcm)
	}
	if err != nil {
		slog.Warn("capture: vad", "err", err)
	} else if ev.Voiced() && p.onActivity != nil {
		p.onActivity()
	}

	frame := audio.AudioFrame{
		Data:       pcm,
		SampleRate: audio.InputSampleRate,
		Channels:   1,
		Timestamp:  p.elapsed,
	}
	p.elapsed += frame.Duration()

	switch err := p.sender.Send(frame); {
	case err == nil:
		p.sent.Add(1)
		p.metrics.RecordFrame(ctx, observe.FrameSent)
	case errors.Is(err, s2s.ErrFrameDropped):
		p.dropped.Add(1)
		p.metrics.RecordFrame(ctx, observe.FrameDropped)
	case errors.Is(err, s2s.ErrSessionClosed):
		p.metrics.RecordFrame(ctx, observe.FrameClosed)
	default:
		p.dropped.Add(1)
		p.metrics.RecordFrame(ctx, observe.FrameDropped)
		slog.Debug("capture: send", "err", err)
	}
}
