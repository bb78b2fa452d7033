package openai_test

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
	"github.com/admirelc/speakzone/pkg/provider/s2s/openai"
	"github.com/admirelc/speakzone/pkg/types"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

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

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession reads session.update and acknowledges it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

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

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SessionUpdate(t *testing.T) {
	t.Parallel()

	type updateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice                   string `json:"voice"`
			Instructions            string `json:"instructions"`
			InputAudioFormat        string `json:"input_audio_format"`
			InputAudioTranscription *struct {
				Model string `json:"model"`
			} `json:"input_audio_transcription"`
		} `json:"session"`
	}
	received := make(chan updateMsg, 1)
	authCh := make(chan string, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		authCh <- r.Header.Get("Authorization")
		var msg updateMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("sk-test", openai.WithBaseURL(wsURL(srv)), openai.WithVoice("sage"))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions:       "Be concise.",
		InputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if got := <-authCh; got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	msg := <-received
	if msg.Type != "session.update" {
		t.Errorf("type = %q", msg.Type)
	}
	if msg.Session.Voice != "sage" || msg.Session.Instructions != "Be concise." || msg.Session.InputAudioFormat != "pcm16" {
		t.Errorf("session = %+v", msg.Session)
	}
	if msg.Session.InputAudioTranscription == nil || msg.Session.InputAudioTranscription.Model != "whisper-1" {
		t.Errorf("input_audio_transcription = %+v", msg.Session.InputAudioTranscription)
	}
}

func TestConnect_ErrorBeforeSessionUpdated(t *testing.T) {
	t.Parallel()

	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"type": "error", "error": map[string]any{"code": "invalid_api_key", "message": "bad key"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := openai.New("sk", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if !errors.Is(err, s2s.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestEvents_Mapping(t *testing.T) {
	t.Parallel()

	pcm := []byte{9, 0, 8, 0}
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "Hello"})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Hi "})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle, err := openai.New("sk", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	got := collect(t, handle)
	want := []s2s.EventKind{
		s2s.EventInterrupted,
		s2s.EventTranscript,
		s2s.EventTranscript,
		s2s.EventAudio,
		s2s.EventTurnComplete,
		s2s.EventClosed,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(got), got, len(want))
	}
	for i, k := range want {
		if got[i].Kind != k {
			t.Errorf("event %d = %s, want %s", i, got[i].Kind, k)
		}
	}
	if got[1].Role != types.RoleUser || got[2].Role != types.RoleAI {
		t.Errorf("roles = %s, %s; want user, ai", got[1].Role, got[2].Role)
	}
	if string(got[3].Audio) != string(pcm) {
		t.Errorf("audio = %v", got[3].Audio)
	}
	if got[5].Turn != 1 {
		t.Errorf("closed event turn = %d, want 1", got[5].Turn)
	}
}

func TestSend_UpsamplesTo24k(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	received := make(chan appendMsg, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		received <- msg
	})

	handle, err := openai.New("sk", openai.WithBaseURL(wsURL(srv))).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	// 160 samples at 16 kHz become 240 samples at 24 kHz.
	frame := audio.AudioFrame{Data: make([]byte, 320), SampleRate: audio.InputSampleRate, Channels: 1}
	if err := handle.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q", msg.Type)
		}
		data, _ := base64.StdEncoding.DecodeString(msg.Audio)
		if len(data) != 480 {
			t.Errorf("payload = %d bytes, want 480", len(data))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append")
	}
}
