// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own state (whether the
// stream is currently voiced) so that independent capture streams never share
// detection history.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result,
// which keeps it usable inside the capture loop without adding latency.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSamples is the expected number of samples per frame. Zero accepts
	// frames of any length.
	FrameSamples int

	// Threshold is the normalized amplitude (0.0–1.0 of full scale) above which
	// a frame counts as voiced. Zero marks any non-silent frame as voiced.
	Threshold float64
}

// EventType enumerates VAD detection states.
type EventType int

const (
	// SpeechStart indicates speech has just begun.
	SpeechStart EventType = iota

	// SpeechContinue indicates ongoing speech.
	SpeechContinue

	// SpeechEnd indicates speech has just ended.
	SpeechEnd

	// Silence indicates no speech detected.
	Silence
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	default:
		return "unknown"
	}
}

// Event is the detection result for a single frame.
type Event struct {
	// Type is the detection result.
	Type EventType

	// Level is the detector's score for the frame: the peak normalized amplitude
	// for energy detectors, a probability for model-based ones.
	Level float64
}

// Voiced reports whether the frame was classified as speech.
func (e Event) Voiced() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses one little-endian int16 PCM frame. It returns an
	// error if the frame is malformed or does not match the configured size.
	// It must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// FloatProcessor is implemented by sessions that can classify float samples
// in [-1, 1] directly. Callers holding float audio should prefer it over
// ProcessFrame so no precision is lost to int16 quantization.
type FloatProcessor interface {
	ProcessFloat(samples []float32) (Event, error)
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session. It returns an error if the
	// configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
