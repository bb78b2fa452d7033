package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/admirelc/speakzone/internal/capture"
	"github.com/admirelc/speakzone/internal/learner"
	"github.com/admirelc/speakzone/internal/playback"
	"github.com/admirelc/speakzone/internal/session"
	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	"github.com/admirelc/speakzone/pkg/types"
)

// The /v1/speak protocol. The client sends JSON text messages (start, stop,
// ended) and binary microphone blocks of little-endian float32 samples in the
// format announced by start. The server answers with JSON text messages only.
const (
	msgStart        = "start"
	msgStop         = "stop"
	msgEnded        = "ended"
	msgState        = "state"
	msgModality     = "modality"
	msgTranscript   = "transcript"
	msgTurn         = "turn"
	msgPlay         = "play"
	msgStopPlayback = "stop_playback"
	msgSummary      = "summary"
	msgError        = "error"
)

// Error codes carried by error messages.
const (
	codeNoLevel       = "level_required"
	codeMediaAccess   = "media_access"
	codeConnection    = "connection"
	codeSessionActive = "session_active"
	codeBadRequest    = "bad_request"
	codeCancelled     = "cancelled"
	codeInternal      = "internal"
)

const (
	speakReadLimit = 1 << 20
	micQueue       = 64
	writeTimeout   = 5 * time.Second
)

type clientMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	ID         uint64 `json:"id,omitempty"`
}

type serverMessage struct {
	Type       string                 `json:"type"`
	State      string                 `json:"state,omitempty"`
	Modality   types.Modality         `json:"modality,omitempty"`
	Role       types.Role             `json:"role,omitempty"`
	Text       string                 `json:"text,omitempty"`
	Turns      []types.TranscriptTurn `json:"turns,omitempty"`
	ID         uint64                 `json:"id,omitempty"`
	AtMS       int64                  `json:"at_ms,omitempty"`
	Audio      string                 `json:"audio,omitempty"`
	SampleRate int                    `json:"sample_rate,omitempty"`
	Summary    *types.SessionSummary  `json:"summary,omitempty"`
	Code       string                 `json:"code,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// handleSpeak upgrades to a WebSocket and bridges it to one live session.
// Closing the socket stops the session.
func (a *App) handleSpeak(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("speak: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(speakReadLimit)

	b := newBridge(conn)
	b.serve(r.Context(), a.sessions)
	conn.Close(websocket.StatusNormalClosure, "session over")
}

// bridge adapts one WebSocket to the session's device interfaces: it is the
// microphone opener, the playback output and clock, and the observer.
type bridge struct {
	conn  *websocket.Conn
	epoch time.Time

	wmu sync.Mutex

	mu      sync.Mutex
	mic     *remoteMic
	pending map[uint64]func()
	nextID  uint64
}

var (
	_ playback.Output  = (*bridge)(nil)
	_ playback.Clock   = (*bridge)(nil)
	_ session.Observer = (*bridge)(nil)
	_ capture.Source   = (*remoteMic)(nil)
)

func newBridge(conn *websocket.Conn) *bridge {
	return &bridge{
		conn:    conn,
		epoch:   time.Now(),
		pending: make(map[uint64]func()),
	}
}

// serve runs the read loop until the client leaves.
func (b *bridge) serve(ctx context.Context, sm *SessionManager) {
	var ctl *session.Controller
	defer func() {
		if ctl != nil {
			b.stop(context.WithoutCancel(ctx), sm)
		}
	}()

	for {
		typ, data, err := b.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("speak: read", "err", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			b.feed(data)
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			b.sendError(ctx, codeBadRequest, "malformed message")
			continue
		}
		switch msg.Type {
		case msgStart:
			if ctl != nil {
				b.sendError(ctx, codeSessionActive, "session already started on this connection")
				continue
			}
			ctl = b.start(ctx, sm, msg)
		case msgStop:
			if ctl == nil {
				b.sendError(ctx, codeBadRequest, "no session to stop")
				continue
			}
			b.stop(ctx, sm)
			ctl = nil
		case msgEnded:
			b.ended(msg.ID)
		default:
			b.sendError(ctx, codeBadRequest, "unknown message type "+msg.Type)
		}
	}
}

func (b *bridge) start(ctx context.Context, sm *SessionManager, msg clientMessage) *session.Controller {
	format := audio.CaptureFormat
	if msg.SampleRate != 0 {
		format.SampleRate = msg.SampleRate
	}
	if msg.Channels != 0 {
		format.Channels = msg.Channels
	}
	if err := format.Validate(); err != nil {
		b.sendError(ctx, codeBadRequest, err.Error())
		return nil
	}

	mic := capture.OpenerFunc(func(context.Context) (capture.Source, error) {
		m := &remoteMic{format: format, samples: make(chan []float32, micQueue)}
		b.mu.Lock()
		b.mic = m
		b.mu.Unlock()
		return m, nil
	})

	ctl, err := sm.Start(ctx, Devices{Microphone: mic, Output: b, Clock: b}, b)
	if err != nil {
		b.sendError(ctx, startErrorCode(err), err.Error())
		return nil
	}
	return ctl
}

func startErrorCode(err error) string {
	switch {
	case errors.Is(err, learner.ErrNoLevel):
		return codeNoLevel
	case errors.Is(err, capture.ErrMediaAccess):
		return codeMediaAccess
	case errors.Is(err, s2s.ErrConnection), errors.Is(err, ErrNoTransport):
		return codeConnection
	case errors.Is(err, ErrSessionActive):
		return codeSessionActive
	default:
		return codeInternal
	}
}

// stop ends the session. The summary reaches the client through OnSummary.
func (b *bridge) stop(ctx context.Context, sm *SessionManager) {
	if _, err := sm.Stop(ctx); err != nil {
		b.sendError(ctx, stopErrorCode(err), err.Error())
	}
}

func stopErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrConnecting):
		return codeCancelled
	case errors.Is(err, ErrNoSession):
		return codeBadRequest
	default:
		return codeInternal
	}
}

// feed hands one binary microphone block to the capture pipeline.
func (b *bridge) feed(data []byte) {
	samples, err := audio.Float32ToSamples(data)
	if err != nil {
		slog.Debug("speak: bad microphone block", "err", err)
		return
	}
	b.mu.Lock()
	m := b.mic
	b.mu.Unlock()
	if m != nil {
		m.push(samples)
	}
}

func (b *bridge) ended(id uint64) {
	b.mu.Lock()
	fn, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		fn()
	}
}

func (b *bridge) send(ctx context.Context, msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("speak: encode message", "type", msg.Type, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if err := b.conn.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("speak: write", "type", msg.Type, "err", err)
	}
}

func (b *bridge) sendError(ctx context.Context, code, text string) {
	b.send(ctx, serverMessage{Type: msgError, Code: code, Error: text})
}

// ── playback.Output / playback.Clock ─────────────────────────────────────────

// Now is the time since the connection opened. Play messages carry start
// times on this timeline.
func (b *bridge) Now() time.Duration { return time.Since(b.epoch) }

// Play forwards buf to the client. onEnded fires when the client reports an
// ended message for the returned id.
func (b *bridge) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (playback.Handle, error) {
	if buf.Channels() == 0 {
		return nil, errors.New("speak: empty buffer")
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.pending[id] = onEnded
	b.mu.Unlock()

	b.send(context.Background(), serverMessage{
		Type:       msgPlay,
		ID:         id,
		AtMS:       at.Milliseconds(),
		Audio:      audio.EncodeBase64(audio.FloatToPCM16(buf.Channel(0))),
		SampleRate: buf.SampleRate,
	})
	return &remoteHandle{b: b, id: id}, nil
}

// Close forgets every pending chunk. The socket itself stays open so the
// summary can still be delivered.
func (b *bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.pending)
	b.mic = nil
	return nil
}

type remoteHandle struct {
	b  *bridge
	id uint64
}

func (h *remoteHandle) Stop() error {
	h.b.mu.Lock()
	_, ok := h.b.pending[h.id]
	delete(h.b.pending, h.id)
	h.b.mu.Unlock()
	if !ok {
		return errors.New("speak: chunk already finished")
	}
	h.b.send(context.Background(), serverMessage{Type: msgStopPlayback, ID: h.id})
	return nil
}

// ── session.Observer ─────────────────────────────────────────────────────────

func (b *bridge) OnState(s session.State) {
	b.send(context.Background(), serverMessage{Type: msgState, State: s.String()})
}

func (b *bridge) OnModality(m types.Modality) {
	b.send(context.Background(), serverMessage{Type: msgModality, Modality: m})
}

func (b *bridge) OnTranscript(role types.Role, partial string) {
	b.send(context.Background(), serverMessage{Type: msgTranscript, Role: role, Text: partial})
}

func (b *bridge) OnTurn(turns []types.TranscriptTurn) {
	b.send(context.Background(), serverMessage{Type: msgTurn, Turns: turns})
}

func (b *bridge) OnSummary(s *types.SessionSummary) {
	b.send(context.Background(), serverMessage{Type: msgSummary, Summary: s})
}

// ── capture.Source ───────────────────────────────────────────────────────────

// remoteMic is the client's microphone. Blocks that arrive while the pipeline
// is behind are dropped.
type remoteMic struct {
	format  audio.Format
	samples chan []float32

	mu     sync.Mutex
	closed bool
}

func (m *remoteMic) Format() audio.Format      { return m.format }
func (m *remoteMic) Samples() <-chan []float32 { return m.samples }

func (m *remoteMic) push(block []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.samples <- block:
	default:
		slog.Debug("speak: microphone block dropped", "samples", len(block))
	}
}

func (m *remoteMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.samples)
	}
	return nil
}
