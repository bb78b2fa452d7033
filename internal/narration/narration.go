// Package narration turns lesson text into spoken teacher audio.
//
// Narration is a two-stage pipeline. A language model first rewrites the
// lesson text into a bilingual script pitched at the learner's level; a speech
// model then renders the script. If the script stage fails or returns nothing
// the lesson text is spoken as-is. The speech stage has no such fallback.
package narration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/admirelc/speakzone/internal/observe"
	"github.com/admirelc/speakzone/internal/prompt"
	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/llm"
	"github.com/admirelc/speakzone/pkg/provider/tts"
	"github.com/admirelc/speakzone/pkg/types"
)

// DefaultVoice is the narration voice.
const DefaultVoice = "Kore"

// ErrEmptyText is returned when there is nothing to narrate.
var ErrEmptyText = errors.New("narration: empty text")

// Narration is one rendered explanation.
type Narration struct {
	// Script is the text that was spoken.
	Script string `json:"script"`

	// Audio is base64-encoded little-endian PCM16 mono.
	Audio string `json:"audio"`

	// SampleRate of Audio in Hz.
	SampleRate int `json:"sample_rate"`

	// Duration is the playback length of Audio.
	Duration   time.Duration `json:"-"`
	DurationMS int64         `json:"duration_ms"`

	// ScriptFallback is true when the lesson text was spoken verbatim because
	// the script stage failed or returned nothing.
	ScriptFallback bool `json:"script_fallback"`
}

// Option configures a Service.
type Option func(*Service)

// WithVoice overrides the narration voice.
func WithVoice(v tts.VoiceProfile) Option {
	return func(s *Service) { s.voice = v }
}

// WithMetrics records stage latencies on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service renders lesson narration.
type Service struct {
	writer  llm.Provider
	speaker tts.Provider
	voice   tts.VoiceProfile
	metrics *observe.Metrics
}

// New returns a Service that writes scripts with writer and speaks them with
// speaker. Both are typically resilience fallbacks.
func New(writer llm.Provider, speaker tts.Provider, opts ...Option) (*Service, error) {
	if writer == nil {
		return nil, errors.New("narration: script provider is required")
	}
	if speaker == nil {
		return nil, errors.New("narration: speech provider is required")
	}
	s := &Service{
		writer:  writer,
		speaker: speaker,
		voice:   tts.VoiceProfile{ID: DefaultVoice, Name: DefaultVoice},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Narrate renders text for a learner at level.
func (s *Service) Narrate(ctx context.Context, text string, level types.Level) (*Narration, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}

	ctx, span := observe.StartSpan(ctx, "narration.Narrate")
	defer span.End()
	span.SetAttributes(attribute.String("level", level.String()))

	script, fellBack, err := s.script(ctx, text, level)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "script")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("script_fallback", fellBack))

	start := time.Now()
	speech, err := s.speaker.Synthesize(ctx, script, s.voice)
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesize")
		return nil, fmt.Errorf("narration: synthesize: %w", err)
	}
	if speech == nil || len(speech.PCM) == 0 {
		err := errors.New("narration: synthesize: no audio")
		span.SetStatus(codes.Error, "no audio")
		return nil, err
	}

	rate := speech.SampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	d := audio.AudioFrame{Data: speech.PCM, SampleRate: rate, Channels: 1}.Duration()
	return &Narration{
		Script:         script,
		Audio:          audio.EncodeBase64(speech.PCM),
		SampleRate:     rate,
		Duration:       d,
		DurationMS:     d.Milliseconds(),
		ScriptFallback: fellBack,
	}, nil
}

// script runs the script stage. A provider failure or an empty reply falls
// back to text; only a cancelled ctx is returned as an error.
func (s *Service) script(ctx context.Context, text string, level types.Level) (string, bool, error) {
	start := time.Now()
	resp, err := s.writer.Complete(ctx, llm.UserPrompt(prompt.NarrationPrompt(level, text)))
	s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())

	log := observe.Logger(ctx)
	switch {
	case ctx.Err() != nil:
		return "", false, fmt.Errorf("narration: %w", ctx.Err())
	case err != nil:
		log.Warn("narration: script failed, speaking lesson text", "err", err)
		return text, true, nil
	case resp == nil || strings.TrimSpace(resp.Content) == "":
		log.Warn("narration: empty script, speaking lesson text")
		return text, true, nil
	}
	return strings.TrimSpace(resp.Content), false, nil
}
