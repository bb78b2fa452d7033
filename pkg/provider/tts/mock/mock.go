// Package mock provides a test double for the tts.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Speech: &tts.Speech{PCM: pcm, SampleRate: 24000}}
//	speech, _ := p.Synthesize(ctx, "Salom!", tts.VoiceProfile{ID: "Kore"})
package mock

import (
	"context"
	"sync"

	"github.com/admirelc/speakzone/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text  string
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Speech is returned by every Synthesize call.
	Speech *tts.Speech

	// SynthesizeErr, if non-nil, is returned instead of Speech.
	SynthesizeErr error

	// Voices is returned by ListVoices.
	Voices []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned by ListVoices.
	ListVoicesErr error

	calls []SynthesizeCall
}

// Synthesize records the call and returns Speech, SynthesizeErr.
func (p *Provider) Synthesize(_ context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, SynthesizeCall{Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		return nil, p.SynthesizeErr
	}
	if p.Speech == nil {
		return &tts.Speech{SampleRate: 24000}, nil
	}
	return p.Speech, nil
}

// ListVoices returns Voices, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	return p.Voices, p.ListVoicesErr
}

// Calls returns a copy of every Synthesize call recorded so far.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.calls...)
}

var _ tts.Provider = (*Provider)(nil)
