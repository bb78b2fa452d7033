// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API speaks 24 kHz PCM16 in both directions, so 16 kHz capture
// frames are resampled before they are appended to the input buffer.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	"github.com/admirelc/speakzone/pkg/provider/tts"
	"github.com/admirelc/speakzone/pkg/types"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultVoice              = "alloy"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// realtimeRate is the only PCM16 rate the Realtime API accepts.
	realtimeRate = 24000

	readLimit   = 8 << 20
	eventBuffer = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the voice used when SessionConfig.Voice is empty.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSendQueue sets the outbound frame queue length.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey    string
	model     string
	voice     string
	baseURL   string
	sendQueue int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		voice:     defaultVoice,
		baseURL:   defaultBaseURL,
		sendQueue: s2s.DefaultSendQueue,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		MaxSessionDurationMs: 30 * 60 * 1000,
		InputSampleRate:      audio.InputSampleRate,
		OutputSampleRate:     realtimeRate,
		Voices: []tts.VoiceProfile{
			{ID: "alloy", Name: "Alloy", Provider: "openai"},
			{ID: "ash", Name: "Ash", Provider: "openai"},
			{ID: "ballad", Name: "Ballad", Provider: "openai"},
			{ID: "coral", Name: "Coral", Provider: "openai"},
			{ID: "echo", Name: "Echo", Provider: "openai"},
			{ID: "sage", Name: "Sage", Provider: "openai"},
			{ID: "shimmer", Name: "Shimmer", Provider: "openai"},
			{ID: "verse", Name: "Verse", Provider: "openai"},
		},
	}
}

// Connect dials the Realtime endpoint, sends session.update and waits for the
// matching session.updated acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: dial: %w", s2s.ErrConnection, err)
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan s2s.Event, eventBuffer),
		sendq:    make(chan audio.AudioFrame, p.sendQueue),
		ready:    make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSessionUpdate(ctx, p.voice, cfg); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: openai: session update: %w", s2s.ErrConnection, err)
	}

	go sess.receiveLoop()

	select {
	case <-sess.ready:
	case <-sess.loopDone:
		err := sess.Err()
		_ = sess.Close()
		if err == nil {
			err = errors.New("stream closed before session was configured")
		}
		return nil, fmt.Errorf("%w: openai: handshake: %w", s2s.ErrConnection, err)
	case <-ctx.Done():
		_ = sess.Close()
		return nil, fmt.Errorf("%w: openai: handshake: %w", s2s.ErrConnection, ctx.Err())
	}

	go sess.writeLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (d *serverErrorDetail) err() error {
	if d == nil || d.Message == "" {
		return errors.New("openai: server error: unknown error")
	}
	if d.Code != "" {
		return fmt.Errorf("openai: server error %s: %s", d.Code, d.Message)
	}
	return fmt.Errorf("openai: server error: %s", d.Message)
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	events  chan s2s.Event
	sendq   chan audio.AudioFrame
	dropped atomic.Int64

	ready     chan struct{}
	readyOnce sync.Once
	loopDone  chan struct{}

	// turn is owned by receiveLoop.
	turn int

	mu     sync.Mutex
	errVal error

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, audio formats and
// transcription for the whole session.
func (s *session) sendSessionUpdate(ctx context.Context, voice string, cfg s2s.SessionConfig) error {
	if cfg.Voice.ID != "" {
		voice = cfg.Voice.ID
	}
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &transcriptionParams{Model: defaultTranscriptionModel}
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns events: it emits the final EventClosed and closes the channel.
func (s *session) receiveLoop() {
	var closeErr error
	defer func() {
		s.cancel()
		ev := s2s.Event{Kind: s2s.EventClosed, Turn: s.turn, Err: closeErr}
		if !s2s.DeliverClosed(s.events, ev, s2s.ClosedEventWait) {
			slog.Warn("openai: consumer not reading, closed event dropped")
		}
		close(s.loopDone)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.setErr(fmt.Errorf("openai: read: %w", err))
			}
			closeErr = s.Err()
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed server event", "err", err)
			continue
		}

		if !s.handleServerEvent(&evt) {
			closeErr = s.Err()
			return
		}
	}
}

// handleServerEvent maps one Realtime event onto the s2s event stream. It
// returns false when the loop must stop.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "session.updated":
		s.readyOnce.Do(func() { close(s.ready) })

	case "error":
		if !s.isReady() {
			s.setErr(evt.Error.err())
			return false
		}
		return s.emit(s2s.Event{Kind: s2s.EventError, Err: evt.Error.err()})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleUser, Text: evt.Transcript})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleAI, Text: evt.Delta})

	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		pcm, err := audio.DecodeBase64(evt.Delta)
		if err != nil {
			return s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: audio delta: %w", err)})
		}
		return s.emit(s2s.Event{Kind: s2s.EventAudio, Audio: pcm})

	case "input_audio_buffer.speech_started":
		// Server VAD heard the user; any reply in flight is being cut off.
		return s.emit(s2s.Event{Kind: s2s.EventInterrupted})

	case "response.done":
		if !s.emit(s2s.Event{Kind: s2s.EventTurnComplete}) {
			return false
		}
		s.turn++
	}
	return true
}

// emit delivers ev in arrival order, blocking until the consumer takes it or
// the session ends.
func (s *session) emit(ev s2s.Event) bool {
	ev.Turn = s.turn
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop drains the outbound queue in FIFO order, upsampling each frame to
// the Realtime rate.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendq:
			rate := frame.SampleRate
			if rate == 0 {
				rate = audio.InputSampleRate
			}
			pcm := audio.ResampleMono16(frame.Data, rate, realtimeRate)
			msg := appendAudioMessage{
				Type:  "input_audio_buffer.append",
				Audio: audio.EncodeBase64(pcm),
			}
			if err := s.writeJSON(s.ctx, msg); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				slog.Warn("openai: send audio failed", "err", err)
			}
		}
	}
}

func (s *session) isReady() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send queues a 16 kHz s16le mono frame without blocking.
func (s *session) Send(frame audio.AudioFrame) error {
	if s.ctx.Err() != nil {
		return s2s.ErrSessionClosed
	}
	select {
	case s.sendq <- frame:
		return nil
	default:
		s.dropped.Add(1)
		return s2s.ErrFrameDropped
	}
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Dropped returns the number of frames discarded by Send.
func (s *session) Dropped() int64 { return s.dropped.Load() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
