package session

import "github.com/admirelc/speakzone/pkg/types"

// State is the lifecycle phase of a [Controller].
type State int

const (
	// StateDisconnected is the initial state and the state a failed start
	// returns to.
	StateDisconnected State = iota

	// StateConnecting covers microphone acquisition and the transport handshake.
	StateConnecting

	// StateOpen means audio flows in both directions.
	StateOpen

	// StateClosed is terminal: the transport is gone, either because Stop ran
	// or because the service hung up.
	StateClosed
)

// String returns the lower-case state name used in logs and on the wire.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observer receives live session updates, typically to forward them to a UI.
// Methods are never called concurrently and must not block for long.
type Observer interface {
	// OnState reports every lifecycle transition.
	OnState(State)

	// OnModality reports changes of who is speaking.
	OnModality(types.Modality)

	// OnTranscript reports the live accumulator of role after each fragment.
	OnTranscript(role types.Role, partial string)

	// OnTurn reports the finalized entries of one completed turn. The slice
	// may be empty when neither side said anything.
	OnTurn([]types.TranscriptTurn)

	// OnSummary reports the result of the session, once.
	OnSummary(*types.SessionSummary)
}

// ObserverFuncs adapts optional functions to [Observer]. Nil fields are skipped.
type ObserverFuncs struct {
	State      func(State)
	Modality   func(types.Modality)
	Transcript func(types.Role, string)
	Turn       func([]types.TranscriptTurn)
	Summary    func(*types.SessionSummary)
}

var _ Observer = ObserverFuncs{}

func (o ObserverFuncs) OnState(s State) {
	if o.State != nil {
		o.State(s)
	}
}

func (o ObserverFuncs) OnModality(m types.Modality) {
	if o.Modality != nil {
		o.Modality(m)
	}
}

func (o ObserverFuncs) OnTranscript(r types.Role, partial string) {
	if o.Transcript != nil {
		o.Transcript(r, partial)
	}
}

func (o ObserverFuncs) OnTurn(t []types.TranscriptTurn) {
	if o.Turn != nil {
		o.Turn(t)
	}
}

func (o ObserverFuncs) OnSummary(s *types.SessionSummary) {
	if o.Summary != nil {
		o.Summary(s)
	}
}
