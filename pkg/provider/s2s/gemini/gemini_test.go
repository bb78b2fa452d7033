package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
	"github.com/admirelc/speakzone/pkg/provider/s2s/gemini"
	"github.com/admirelc/speakzone/pkg/provider/tts"
	"github.com/admirelc/speakzone/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

func serverContent(sc map[string]any) map[string]any {
	return map[string]any{"serverContent": sc}
}

func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-api-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

// collect reads events until EventClosed or timeout.
func collect(t *testing.T, h s2s.SessionHandle) []s2s.Event {
	t.Helper()
	var out []s2s.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout collecting events; got %d so far", len(out))
		}
	}
}

// ── Setup ──────────────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keyCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keyCh <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{
		Instructions:        "You are ADMIRE.",
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := <-received
	if got := <-keyCh; got != "test-api-key" {
		t.Errorf("key = %q, want test-api-key", got)
	}
	if want := "models/gemini-2.5-flash-native-audio-preview-12-2025"; msg.Setup.Model != want {
		t.Errorf("model = %q, want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
		t.Errorf("responseModalities = %v, want [audio]", got)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Charon" {
		t.Errorf("voice = %q, want default Charon", v)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "You are ADMIRE." {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription configs missing from setup")
	}
}

func TestConnect_VoiceAndModelOverrides(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				SpeechConfig struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			InputAudioTranscription *struct{} `json:"inputAudioTranscription"`
		} `json:"setup"`
	}
	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv, gemini.WithModel("custom-model"), gemini.WithVoice("Puck"))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{Voice: tts.VoiceProfile{ID: "Kore"}})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	msg := <-received
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q", msg.Setup.Model)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
		t.Errorf("voice = %q, want session voice Kore", v)
	}
	if msg.Setup.InputAudioTranscription != nil {
		t.Error("inputAudioTranscription should be omitted when not requested")
	}
}

// ── Handshake ──────────────────────────────────────────────────────────────────

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	const delay = 150 * time.Millisecond
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		time.Sleep(delay)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		<-conn.CloseRead(context.Background()).Done()
	})

	start := time.Now()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()
	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("Connect returned after %v, before setupComplete (%v)", elapsed, delay)
	}
}

func TestConnect_ServerErrorDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 403, "message": "API key invalid"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if !strings.Contains(err.Error(), "API key invalid") {
		t.Errorf("err = %v, want server message", err)
	}
}

func TestConnect_ServerClosesDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "bad setup")
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestConnect_ContextCancelledDuringHandshake(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnection) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrConnection wrapping DeadlineExceeded", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	p := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

// ── Inbound events ─────────────────────────────────────────────────────────────

func TestEvents_ArrivalOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, serverContent(map[string]any{"inputTranscription": map[string]any{"text": "Hello"}}))
		writeJSON(t, conn, serverContent(map[string]any{
			"outputTranscription": map[string]any{"text": "Hi"},
			"modelTurn": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(pcm)}},
			}},
		}))
		writeJSON(t, conn, serverContent(map[string]any{"turnComplete": true}))
		writeJSON(t, conn, serverContent(map[string]any{"outputTranscription": map[string]any{"text": "Next"}}))
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collect(t, handle)
	want := []struct {
		kind s2s.EventKind
		turn int
	}{
		{s2s.EventTranscript, 0},
		{s2s.EventTranscript, 0},
		{s2s.EventAudio, 0},
		{s2s.EventTurnComplete, 0},
		{s2s.EventTranscript, 1},
		{s2s.EventClosed, 1},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(got), got, len(want))
	}
	for i, w := range want {
		if got[i].Kind != w.kind || got[i].Turn != w.turn {
			t.Errorf("event %d = %s/turn %d, want %s/turn %d", i, got[i].Kind, got[i].Turn, w.kind, w.turn)
		}
	}
	if got[0].Role != types.RoleUser || got[0].Text != "Hello" {
		t.Errorf("event 0 = %+v, want user Hello", got[0])
	}
	if got[1].Role != types.RoleAI || got[1].Text != "Hi" {
		t.Errorf("event 1 = %+v, want ai Hi", got[1])
	}
	if string(got[2].Audio) != string(pcm) {
		t.Errorf("audio = %v, want %v", got[2].Audio, pcm)
	}
	if got[5].Err != nil {
		t.Errorf("clean close reported err %v", got[5].Err)
	}
}

func TestEvents_DecodeErrorDoesNotEndSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, serverContent(map[string]any{"modelTurn": map[string]any{"parts": []any{
			map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": "%%%not-base64"}},
			map[string]any{"inlineData": map[string]any{"mimeType": "audio/pcm", "data": base64.StdEncoding.EncodeToString([]byte{0, 0})}},
		}}}))
		writeJSON(t, conn, serverContent(map[string]any{"interrupted": true}))
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collect(t, handle)
	if len(got) != 4 {
		t.Fatalf("got %d events, want 4: %v", len(got), got)
	}
	if got[0].Kind != s2s.EventError || !errors.Is(got[0].Err, audio.ErrDecode) {
		t.Errorf("event 0 = %+v, want decode error", got[0])
	}
	if got[1].Kind != s2s.EventAudio {
		t.Errorf("event 1 = %s, want audio", got[1].Kind)
	}
	if got[2].Kind != s2s.EventInterrupted {
		t.Errorf("event 2 = %s, want interrupted", got[2].Kind)
	}
}

func TestEvents_ServerErrorAfterSetupIsNonFatal(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"message": "quota"}})
		writeJSON(t, conn, serverContent(map[string]any{"turnComplete": true}))
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collect(t, handle)
	if len(got) != 3 || got[0].Kind != s2s.EventError || got[1].Kind != s2s.EventTurnComplete {
		t.Fatalf("events = %v, want error, turn_complete, closed", got)
	}
}

func TestEvents_AbnormalCloseCarriesError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "boom")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collect(t, handle)
	last := got[len(got)-1]
	if last.Kind != s2s.EventClosed || last.Err == nil {
		t.Fatalf("last event = %+v, want closed with error", last)
	}
	if handle.Err() == nil {
		t.Error("Err() = nil after abnormal close")
	}
	if err := handle.Send(audio.AudioFrame{Data: []byte{0, 0}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after server close = %v, want ErrSessionClosed", err)
	}
}

// ── Outbound audio ─────────────────────────────────────────────────────────────

func TestSend_PreservesOrder(t *testing.T) {
	t.Parallel()

	const n = 20
	type rtMsg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}
	received := make(chan rtMsg, n)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range n {
			var msg rtMsg
			readJSON(t, conn, &msg)
			received <- msg
		}
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	for i := range n {
		frame := audio.AudioFrame{Data: []byte{byte(i), 0}, SampleRate: audio.InputSampleRate, Channels: 1}
		if err := handle.Send(frame); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}

	for i := range n {
		select {
		case msg := <-received:
			chunk := msg.RealtimeInput.MediaChunks[0]
			if chunk.MIMEType != "audio/pcm;rate=16000" {
				t.Errorf("chunk %d mime = %q", i, chunk.MIMEType)
			}
			data, _ := base64.StdEncoding.DecodeString(chunk.Data)
			if len(data) != 2 || data[0] != byte(i) {
				t.Errorf("chunk %d carried %v, want first byte %d", i, data, i)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for chunk %d", i)
		}
	}
}

func TestSend_DropsWhenQueueFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-release
	})
	defer close(release)

	handle, err := newProvider(srv, gemini.WithSendQueue(1)).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	// The server never reads, so the writer eventually blocks and the
	// single-slot queue overflows.
	big := audio.AudioFrame{Data: make([]byte, 64<<10), SampleRate: audio.InputSampleRate, Channels: 1}
	var dropped bool
	for range 200 {
		if err := handle.Send(big); errors.Is(err, s2s.ErrFrameDropped) {
			dropped = true
			break
		}
	}
	if !dropped {
		t.Fatal("expected ErrFrameDropped once the queue filled")
	}
	if handle.Dropped() == 0 {
		t.Error("Dropped() = 0 after a dropped frame")
	}
}

// ── Close ──────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for range 3 {
		if err := handle.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}

	// The event stream still terminates.
	collect(t, handle)
	if err := handle.Send(audio.AudioFrame{}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Errorf("Send after Close = %v, want ErrSessionClosed", err)
	}
}

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}
