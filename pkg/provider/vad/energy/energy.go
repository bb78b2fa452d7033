// Package energy implements an amplitude-gate VAD: a frame is voiced when any
// sample's magnitude exceeds the configured fraction of full scale.
//
// The gate has no hangover. Capture chunks are 256 ms at 16 kHz, long enough
// that per-frame decisions do not flicker in practice.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/admirelc/speakzone/pkg/provider/vad"
)

// DefaultThreshold is the normalized amplitude callers use when nothing else is
// configured. A zero Config.Threshold is taken literally.
const DefaultThreshold = 0.02

var errClosed = errors.New("energy: session closed")

// Engine creates amplitude-gate sessions.
type Engine struct{}

// New returns an energy VAD engine.
func New() *Engine { return &Engine{} }

var _ vad.Engine = (*Engine)(nil)

// NewSession validates cfg and returns a fresh session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.Threshold < 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("energy: threshold %.3f out of range [0, 1)", cfg.Threshold)
	}
	if cfg.FrameSamples < 0 {
		return nil, fmt.Errorf("energy: negative frame size %d", cfg.FrameSamples)
	}
	return &Session{cfg: cfg}, nil
}

// Session tracks whether its stream is currently voiced.
type Session struct {
	cfg vad.Config

	mu     sync.Mutex
	voiced bool
	closed bool
}

var (
	_ vad.SessionHandle  = (*Session)(nil)
	_ vad.FloatProcessor = (*Session)(nil)
)

// ProcessFloat classifies one chunk of float samples. The chunk is voiced when
// any |sample| exceeds Threshold. NaN samples are ignored.
func (s *Session) ProcessFloat(samples []float32) (vad.Event, error) {
	if n := len(samples); s.cfg.FrameSamples > 0 && n != s.cfg.FrameSamples {
		return vad.Event{}, fmt.Errorf("energy: frame has %d samples, want %d", n, s.cfg.FrameSamples)
	}
	var peak float64
	for _, v := range samples {
		if a := math.Abs(float64(v)); a > peak {
			peak = a
		}
	}
	return s.classify(peak)
}

// ProcessFrame classifies an int16 PCM frame. The peak is normalized by 32768
// and compared like [Session.ProcessFloat].
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	if len(frame)%2 != 0 {
		return vad.Event{}, fmt.Errorf("energy: odd frame length %d", len(frame))
	}
	if n := len(frame) / 2; s.cfg.FrameSamples > 0 && n != s.cfg.FrameSamples {
		return vad.Event{}, fmt.Errorf("energy: frame has %d samples, want %d", n, s.cfg.FrameSamples)
	}

	var peak int32
	for i := 0; i < len(frame); i += 2 {
		v := int32(int16(binary.LittleEndian.Uint16(frame[i:])))
		if v < 0 {
			v = -v
		}
		peak = max(peak, v)
	}
	return s.classify(float64(peak) / 32768)
}

func (s *Session) classify(peak float64) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Event{}, errClosed
	}

	ev := vad.Event{Level: peak}
	voiced := peak > s.cfg.Threshold
	switch {
	case voiced && !s.voiced:
		ev.Type = vad.SpeechStart
	case voiced:
		ev.Type = vad.SpeechContinue
	case s.voiced:
		ev.Type = vad.SpeechEnd
	default:
		ev.Type = vad.Silence
	}
	s.voiced = voiced
	return ev, nil
}

// Reset returns the session to the silent state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiced = false
}

// Close marks the session closed. Safe to call repeatedly.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
