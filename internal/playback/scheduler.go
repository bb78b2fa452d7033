// Package playback schedules decoded model audio for gapless output.
//
// Each inbound chunk is placed on the output clock at max(next, now), where
// next is the end of the previously scheduled chunk. Chunks that arrive while
// audio is still queued play back-to-back; a chunk that arrives after the
// queue drained starts immediately instead of in the past.
//
// A Scheduler is owned by a single goroutine (the session dispatch loop) and
// is not safe for concurrent use. Output implementations report natural ends
// through the onEnded callback, which the owner routes back onto that
// goroutine before calling [Scheduler.Ended].
package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/admirelc/speakzone/pkg/audio"
)

// ErrStop wraps failures to stop an individual playback handle. Stop failures
// are reported for logging only; the handle is forgotten either way.
var ErrStop = errors.New("playback: stop failed")

// Clock is the output device's monotonic timeline.
type Clock interface {
	Now() time.Duration
}

// Handle controls one scheduled chunk.
type Handle interface {
	// Stop cancels the chunk if it has not finished. Stopping an already
	// finished chunk may return an error.
	Stop() error
}

// Output renders buffers at points on its [Clock].
type Output interface {
	// Play schedules buf to start at the given clock time. onEnded is called
	// at most once, from any goroutine, when the chunk finishes.
	Play(buf *audio.Buffer, at time.Duration, onEnded func()) (Handle, error)

	// Close releases the output device.
	Close() error
}

// Scheduled describes a chunk accepted by [Scheduler.Schedule].
type Scheduled struct {
	ID       uint64
	Start    time.Duration
	Duration time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFormat sets the PCM format of inbound chunks. Defaults to 24 kHz mono.
func WithFormat(sampleRate, channels int) Option {
	return func(s *Scheduler) {
		s.sampleRate = sampleRate
		s.channels = channels
	}
}

// Scheduler tracks the playback cursor and the set of active chunks.
type Scheduler struct {
	clock      Clock
	out        Output
	onEnded    func(id uint64)
	sampleRate int
	channels   int

	next   time.Duration
	seq    uint64
	active map[uint64]Handle
}

// New returns a Scheduler writing to out. onEnded receives the id of every
// chunk whose playback finished; it may be called from any goroutine.
func New(clock Clock, out Output, onEnded func(id uint64), opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:      clock,
		out:        out,
		onEnded:    onEnded,
		sampleRate: audio.OutputSampleRate,
		channels:   1,
		active:     make(map[uint64]Handle),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes one raw PCM chunk and queues it after everything already
// scheduled. A chunk that fails to decode wraps [audio.ErrDecode] and leaves
// the cursor untouched.
func (s *Scheduler) Schedule(pcm []byte) (Scheduled, error) {
	buf, err := audio.PCM16ToBuffer(pcm, s.sampleRate, s.channels)
	if err != nil {
		return Scheduled{}, fmt.Errorf("playback: %w", err)
	}

	start := max(s.next, s.clock.Now())
	s.seq++
	id := s.seq
	notify := s.onEnded
	h, err := s.out.Play(buf, start, func() {
		if notify != nil {
			notify(id)
		}
	})
	if err != nil {
		return Scheduled{}, fmt.Errorf("playback: play: %w", err)
	}

	d := buf.Duration()
	s.next = start + d
	s.active[id] = h
	return Scheduled{ID: id, Start: start, Duration: d}, nil
}

// Ended forgets chunk id. It reports true when this removal emptied the
// active set, which is the owner's cue to clear the speaking indicator.
// Unknown ids (already stopped) report false.
func (s *Scheduler) Ended(id uint64) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return len(s.active) == 0
}

// StopAll stops every active chunk and clears the set. Every handle is
// attempted; failures are joined, each wrapping [ErrStop]. The cursor never
// moves backwards: the next chunk starts at max(Next, now).
func (s *Scheduler) StopAll() error {
	var errs []error
	for id, h := range s.active {
		if err := h.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%w: chunk %d: %w", ErrStop, id, err))
		}
		delete(s.active, id)
	}
	return errors.Join(errs...)
}

// Next returns the cursor: the clock time at which the next chunk would start
// if the queue were still busy.
func (s *Scheduler) Next() time.Duration { return s.next }

// Active returns the number of chunks scheduled and not yet ended.
func (s *Scheduler) Active() int { return len(s.active) }
