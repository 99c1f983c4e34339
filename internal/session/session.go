// Package session is the conversation session manager. It decides whether a
// conversation runs over the remote realtime transport or the local fallback
// (on-device recognition, LLM and synthesis), arbitrates turn-taking between
// the user and the assistant, filters self-echo on the fallback path and
// assembles the ordered transcript handed back when the session ends.
//
// A [Manager] serialises every transition through one inbox channel and one
// loop goroutine. Paths, timers and control calls only post inputs; the loop
// applies them in arrival order and publishes the resulting [State] to
// subscribers.
//
// All exported types are safe for concurrent use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	// ErrAlreadyStarted is returned by a second call to [Manager.Start].
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrEnded is returned by Start after the session was ended.
	ErrEnded = errors.New("session: ended")
)

// Phase is the manager's lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseInitializing
	PhaseActiveRemote
	PhaseActiveFallback
	PhaseEnded
	// PhaseError is terminal: neither path could be opened, or the fallback
	// path failed for good.
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseInitializing:
		return "initializing"
	case PhaseActiveRemote:
		return "active_remote"
	case PhaseActiveFallback:
		return "active_fallback"
	case PhaseEnded:
		return "ended"
	case PhaseError:
		return "error"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Active reports whether a conversation path is running.
func (p Phase) Active() bool {
	return p == PhaseActiveRemote || p == PhaseActiveFallback
}

// PathKind names a conversation path.
type PathKind string

const (
	PathNone     PathKind = ""
	PathRemote   PathKind = "remote"
	PathFallback PathKind = "fallback"
)

// State is the snapshot published to the host on every transition.
type State struct {
	SessionID  string                `json:"session_id"`
	Phase      Phase                 `json:"phase"`
	Path       PathKind              `json:"path,omitempty"`
	Connection types.ConnectionState `json:"connection"`

	IsSpeaking    bool `json:"is_speaking"`
	IsThinking    bool `json:"is_thinking"`
	IsListening   bool `json:"is_listening"`
	Muted         bool `json:"muted"`
	UsingFallback bool `json:"using_fallback"`

	// Preview is the live caption of the user's utterance in progress.
	Preview string `json:"preview,omitempty"`

	Transcript []Utterance `json:"transcript"`

	// Notice is a non-fatal, user-facing notification such as a lost
	// connection.
	Notice string `json:"notice,omitempty"`

	// Err is set in PhaseError.
	Err error `json:"-"`
}

// MarshalJSON renders Err as a string.
func (s State) MarshalJSON() ([]byte, error) {
	type plain State
	out := struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain: plain(s)}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	if out.Transcript == nil {
		out.Transcript = []Utterance{}
	}
	return json.Marshal(out)
}

// TurnConfig tunes turn-taking for one session.
type TurnConfig struct {
	// GuardDelay keeps recognition paused this long after the assistant
	// stops speaking. Zero uses the manager default (500ms).
	GuardDelay time.Duration

	// SkipGreeting suppresses the assistant's opening turn.
	SkipGreeting bool
}

// Config configures a [Manager].
type Config struct {
	// ID names the session in State and in logs. Empty falls back to the
	// descriptor's ID, then to a fresh UUID.
	ID string

	// Turn provides defaults for the TurnConfig passed to Start.
	Turn TurnConfig

	// Echo configures the fallback echo filter.
	Echo EchoConfig
}

// Path is one way of holding the conversation. Both the remote transport
// and the local fallback implement it and report through the same [Event]
// vocabulary.
type Path interface {
	// Open acquires everything the path needs and starts it. On error all
	// acquired resources have been released. emit blocks until the manager
	// has activated the path, so Open must only call it from goroutines it
	// starts; emit must not be called after Close returns.
	Open(ctx context.Context, desc types.SessionDescriptor, emit Emit) error

	// Respond produces the assistant's next turn from history. An empty
	// history asks for the opening turn.
	Respond(ctx context.Context, history []types.Message) error

	// SetMuted stops or resumes sending the user's audio.
	SetMuted(muted bool)

	// SetGated pauses or resumes user input while the assistant speaks.
	SetGated(gated bool)

	// Close releases the path. Safe to call more than once.
	Close() error
}

// Deps are the collaborators of a [Manager]. A nil path counts as
// unavailable. Pass nil interfaces, not typed nil pointers.
type Deps struct {
	Remote   Path
	Fallback Path

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Now defaults to time.Now.
	Now func() time.Time

	// AfterFunc schedules the guard timer; defaults to time.AfterFunc.
	AfterFunc AfterFunc
}

// demotionReason names the error class that pushed a session to fallback.
func demotionReason(err error) string {
	switch {
	case errors.Is(err, types.ErrCapabilityUnavailable):
		return "capability"
	case errors.Is(err, types.ErrMicrophoneUnavailable):
		return "microphone"
	case errors.Is(err, types.ErrConnection):
		return "connection"
	default:
		return "other"
	}
}
