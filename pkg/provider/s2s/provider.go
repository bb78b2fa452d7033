// Package s2s defines the Provider interface for live speech-to-speech backends.
//
// An S2S provider wraps a realtime voice AI service that accepts microphone
// audio and answers with synthesised speech plus running transcripts of both
// sides, all over one stateful duplex session.
//
// The central abstraction is SessionHandle. Outbound audio is fire-and-forget:
// Send queues a frame and returns immediately, and a single writer goroutine
// preserves the send order on the wire. Inbound traffic is surfaced as a typed
// [Event] stream in exactly the order the service produced it; providers never
// reorder or deduplicate.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/tts"
	"github.com/admirelc/speakzone/pkg/types"
)

var (
	// ErrConnection wraps every failure to establish a session: dial, setup
	// write, a server error before setup completes, or ctx cancellation.
	ErrConnection = errors.New("s2s: connection failed")

	// ErrSessionClosed is returned by Send after Close or after the server
	// closed the stream.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrFrameDropped is returned by Send when the outbound queue is full.
	// The frame is discarded; the session stays usable.
	ErrFrameDropped = errors.New("s2s: outbound queue full, frame dropped")
)

// ClosedEventWait bounds how long a provider waits for buffer space to deliver
// the final EventClosed.
const ClosedEventWait = 2 * time.Second

// DeliverClosed sends ev on events, waiting up to wait for buffer space, then
// closes events. It reports whether ev was delivered. Providers call it
// exactly once from the goroutine that owns events.
func DeliverClosed(events chan<- Event, ev Event, wait time.Duration) bool {
	defer close(events)
	select {
	case events <- ev:
		return true
	default:
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case events <- ev:
		return true
	case <-t.C:
		return false
	}
}

// DefaultSendQueue is the outbound frame queue length used when a provider is
// not configured otherwise. At 256 ms per capture chunk this buffers ~16 s.
const DefaultSendQueue = 64

// SessionConfig is frozen at connect time; the live protocols do not support
// changing it mid-session.
type SessionConfig struct {
	// Voice selects the prebuilt voice used for the model's speech.
	Voice tts.VoiceProfile

	// Instructions is the system instruction for the whole session.
	Instructions string

	// InputTranscription requests running transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests running transcripts of the model's speech.
	OutputTranscription bool
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// MaxSessionDurationMs is the provider-imposed session limit. Zero means no
	// documented limit.
	MaxSessionDurationMs int

	// InputSampleRate is the PCM rate Send expects.
	InputSampleRate int

	// OutputSampleRate is the PCM rate of [EventAudio] payloads.
	OutputSampleRate int

	// Voices lists the prebuilt voices available.
	Voices []tts.VoiceProfile
}

// EventKind classifies inbound session events.
type EventKind int

const (
	// EventTranscript carries an incremental transcript fragment for Role.
	EventTranscript EventKind = iota

	// EventAudio carries one chunk of decoded model PCM in Audio.
	EventAudio

	// EventTurnComplete marks the end of the current exchange.
	EventTurnComplete

	// EventInterrupted reports that the service cut its own reply short because
	// the user barged in. Buffered model audio should be discarded.
	EventInterrupted

	// EventError is a non-fatal error: the session continues. Decode failures
	// of a single chunk wrap [audio.ErrDecode].
	EventError

	// EventClosed is the last event on the stream. Err is nil for a clean close.
	EventClosed
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one inbound item from the live service.
type Event struct {
	Kind EventKind

	// Turn is the zero-based index of the exchange this event belongs to. It
	// advances after each EventTurnComplete.
	Turn int

	// Role and Text are set for EventTranscript.
	Role types.Role
	Text string

	// Audio is raw little-endian int16 PCM at Capabilities.OutputSampleRate,
	// set for EventAudio.
	Audio []byte

	// Err is set for EventError and, on abnormal termination, EventClosed.
	Err error
}

// SessionHandle represents an open live session.
type SessionHandle interface {
	// Send queues one capture frame for delivery and returns immediately.
	// It returns [ErrFrameDropped] if the queue is full and
	// [ErrSessionClosed] once the session has ended; callers typically only
	// count these.
	Send(frame audio.AudioFrame) error

	// Events returns the inbound event stream. It ends with exactly one
	// EventClosed, after which the channel is closed. A consumer that stops
	// reading for longer than [ClosedEventWait] may miss the EventClosed; the
	// channel close still marks the end.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil.
	Err() error

	// Dropped returns the number of frames discarded because the queue was full.
	Dropped() int64

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Provider is the abstraction over any live S2S backend.
type Provider interface {
	// Connect dials the service, sends the session setup, and blocks until the
	// service acknowledges it or ctx is done. Every failure wraps
	// [ErrConnection]. The caller owns the returned handle and must Close it.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}
