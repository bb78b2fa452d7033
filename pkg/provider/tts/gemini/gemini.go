// Package gemini provides a Gemini-backed TTS provider using the
// generateContent API with an AUDIO response modality. It implements the
// tts.Provider interface.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/admirelc/speakzone/pkg/provider/tts"
)

const (
	// DefaultModel is the Gemini speech synthesis model.
	DefaultModel = "gemini-2.5-flash-preview-tts"

	// DefaultVoice is the prebuilt voice used for lesson narration.
	DefaultVoice = "Kore"

	// DefaultSampleRate is the rate Gemini TTS returns when the MIME type
	// does not say otherwise.
	DefaultSampleRate = 24000
)

// prebuiltVoices are the Gemini voices offered by ListVoices.
var prebuiltVoices = []string{"Kore", "Charon", "Puck", "Fenrir", "Aoede", "Zephyr", "Leda", "Orus"}

// Option is a functional option for configuring the Gemini Provider.
type Option func(*Provider)

// WithModel overrides the TTS model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL points the client at a different API host. Used by tests.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// Provider implements tts.Provider backed by Gemini speech generation.
type Provider struct {
	client  *genai.Client
	model   string
	baseURL string
}

// New creates a new Gemini TTS Provider. apiKey must be non-empty.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini tts: apiKey must not be empty")
	}
	p := &Provider{model: DefaultModel}
	for _, o := range opts {
		o(p)
	}

	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini tts: new client: %w", err)
	}
	p.client = client
	return p, nil
}

// Synthesize implements tts.Provider. An empty voice ID uses [DefaultVoice].
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (*tts.Speech, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("gemini tts: text must not be empty")
	}
	name := voice.ID
	if name == "" {
		name = DefaultVoice
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(text), &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: name},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini tts: generate: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			return &tts.Speech{
				PCM:        part.InlineData.Data,
				SampleRate: sampleRate(part.InlineData.MIMEType),
			}, nil
		}
	}
	return nil, errors.New("gemini tts: response carried no audio")
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(prebuiltVoices))
	for _, v := range prebuiltVoices {
		out = append(out, tts.VoiceProfile{ID: v, Name: v, Provider: "gemini"})
	}
	return out, nil
}

// sampleRate extracts "rate=N" from a MIME type such as
// "audio/L16;codec=pcm;rate=24000".
func sampleRate(mime string) int {
	for param := range strings.SplitSeq(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultSampleRate
}

var _ tts.Provider = (*Provider)(nil)
