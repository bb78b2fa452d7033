// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is sent as base64 realtime media chunks; model audio,
// transcripts of both speakers, interruptions and turn boundaries come back as
// serverContent messages and are surfaced as an ordered s2s.Event stream.
package gemini

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
	"time"

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
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultVoice   = "Charon"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// readLimit bounds a single inbound message. Model turns carry base64
	// audio well beyond the websocket library's 32 KiB default.
	readLimit = 8 << 20

	eventBuffer = 256
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithVoice sets the prebuilt voice used when SessionConfig.Voice is empty.
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

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	voice     string
	baseURL   string
	sendQueue int
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	voices := []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}
	profiles := make([]tts.VoiceProfile, len(voices))
	for i, v := range voices {
		profiles[i] = tts.VoiceProfile{ID: v, Name: v, Provider: "gemini"}
	}
	return s2s.Capabilities{
		MaxSessionDurationMs: 15 * 60 * 1000,
		InputSampleRate:      audio.InputSampleRate,
		OutputSampleRate:     audio.OutputSampleRate,
		Voices:               profiles,
	}
}

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete. No timeout is applied beyond ctx.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: gemini: dial: %w", s2s.ErrConnection, err)
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

	if err := sess.sendSetup(ctx, p.model, p.voice, cfg); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("%w: gemini: setup: %w", s2s.ErrConnection, err)
	}

	go sess.receiveLoop()

	select {
	case <-sess.ready:
	case <-sess.loopDone:
		err := sess.Err()
		_ = sess.Close()
		if err == nil {
			err = errors.New("stream closed before setup completed")
		}
		return nil, fmt.Errorf("%w: gemini: handshake: %w", s2s.ErrConnection, err)
	case <-ctx.Done():
		_ = sess.Close()
		return nil, fmt.Errorf("%w: gemini: handshake: %w", s2s.ErrConnection, ctx.Err())
	}

	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) err() error {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Code != 0 {
		return fmt.Errorf("gemini: server error %d: %s", e.Code, msg)
	}
	return fmt.Errorf("gemini: server error: %s", msg)
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
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

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model, voice string, cfg s2s.SessionConfig) error {
	if cfg.Voice.ID != "" {
		voice = cfg.Voice.ID
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice},
					},
				},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return s.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns events: it emits the final EventClosed and closes the channel.
func (s *session) receiveLoop() {
	var closeErr error
	defer func() {
		s.cancel()
		s.finish(closeErr)
		close(s.loopDone)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				if e := s.Err(); e != nil {
					closeErr = e
				}
				return
			}
			s.setErr(fmt.Errorf("gemini: read: %w", err))
			closeErr = s.Err()
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed server message", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			closeErr = s.Err()
			return
		}
	}
}

// handleServerMessage dispatches one message. It returns false when the loop
// must stop.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		err := msg.Error.err()
		if !s.isReady() {
			// A rejected setup ends the session.
			s.setErr(err)
			return false
		}
		if !s.emit(s2s.Event{Kind: s2s.EventError, Err: err}) {
			return false
		}
	}
	if msg.SetupComplete != nil {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

// handleServerContent emits the parts of one serverContent message in fixed
// order: user transcript, model transcript, audio, interruption, turn end.
func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleAI, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			pcm, err := audio.DecodeBase64(p.InlineData.Data)
			var ev s2s.Event
			if err != nil {
				ev = s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: audio chunk: %w", err)}
			} else {
				ev = s2s.Event{Kind: s2s.EventAudio, Audio: pcm}
			}
			if !s.emit(ev) {
				return false
			}
		}
	}
	if sc.Interrupted {
		if !s.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
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

// finish emits EventClosed and closes the events channel. The closed event is
// delivered even after Close, waiting up to [s2s.ClosedEventWait] for space.
func (s *session) finish(err error) {
	ev := s2s.Event{Kind: s2s.EventClosed, Turn: s.turn, Err: err}
	if !s2s.DeliverClosed(s.events, ev, s2s.ClosedEventWait) {
		slog.Warn("gemini: consumer not reading, closed event dropped")
	}
}

// writeLoop drains the outbound queue in FIFO order.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendq:
			msg := realtimeInputMessage{
				RealtimeInput: realtimeInput{
					MediaChunks: []mediaChunk{{
						MIMEType: mimeType(frame),
						Data:     audio.EncodeBase64(frame.Data),
					}},
				},
			}
			if err := s.writeJSON(s.ctx, msg); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				slog.Warn("gemini: send audio failed", "err", err)
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
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

func mimeType(f audio.AudioFrame) string {
	if f.SampleRate == 0 || f.SampleRate == audio.InputSampleRate {
		return audio.InputMIMEType
	}
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
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
		s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
