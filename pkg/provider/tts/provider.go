// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service and returns raw PCM for a
// complete piece of text. Lesson narration is short and rendered in one go, so
// the interface is request/response rather than streaming.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile describes a synthesis voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "Kore").
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which backend this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Speech is the result of one synthesis request.
type Speech struct {
	// PCM is little-endian int16 mono audio.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice. An empty text is an error.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (*Speech, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
