// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out a scripted Session.
// Use Session to push inbound events as if they came from the service and to
// inspect the frames the code under test sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.Event{Kind: s2s.EventTranscript, Role: types.RoleAI, Text: "Hi"})
//	sess.CloseFromServer(nil)
package mock

import (
	"context"
	"sync"

	"github.com/admirelc/speakzone/pkg/audio"
	"github.com/admirelc/speakzone/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectHook, if set, runs inside Connect before it returns. Tests use it
	// to block the handshake or observe ctx.
	ConnectHook func(ctx context.Context) error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	calls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.calls = append(p.calls, ConnectCall{Cfg: cfg})
	hook, connErr, sess := p.ConnectHook, p.ConnectErr, p.Session
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if connErr != nil {
		return nil, connErr
	}
	if sess == nil {
		sess = NewSession()
	}
	return sess, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// Calls returns a copy of every Connect call recorded so far.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.calls...)
}

var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	events chan s2s.Event

	mu         sync.Mutex
	ended      bool
	err        error
	sent       []audio.AudioFrame
	sendErr    error
	dropped    int64
	closeCalls int
	closeErr   error
}

// NewSession returns a Session with a generously buffered event stream.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 1024)}
}

// Push delivers ev to the consumer. Events pushed after the stream ended are
// ignored.
func (s *Session) Push(ev s2s.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

// CloseFromServer emits EventClosed with err and ends the stream, as if the
// service hung up.
func (s *Session) CloseFromServer(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endLocked(err)
}

func (s *Session) endLocked(err error) {
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	s.events <- s2s.Event{Kind: s2s.EventClosed, Err: err}
	close(s.events)
}

// SetSendErr makes every subsequent Send return err. ErrFrameDropped also
// increments Dropped.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetCloseErr makes Close return err.
func (s *Session) SetCloseErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}

// Send records frame.
func (s *Session) Send(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return s2s.ErrSessionClosed
	}
	if s.sendErr != nil {
		if s.sendErr == s2s.ErrFrameDropped {
			s.dropped++
		}
		return s.sendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to CloseFromServer.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many Send calls reported ErrFrameDropped.
func (s *Session) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close ends the stream if still open and records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.endLocked(nil)
	return s.closeErr
}

// Sent returns a copy of every frame accepted by Send.
func (s *Session) Sent() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.sent...)
}

// CloseCalls returns how many times Close was called.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ s2s.SessionHandle = (*Session)(nil)
