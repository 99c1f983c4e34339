package session

import (
	"context"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// EventKind is the narrow vocabulary both conversation paths report in.
type EventKind int

const (
	// SpeechStarted: the assistant's voice started playing.
	SpeechStarted EventKind = iota + 1

	// SpeechEnded: the assistant's voice stopped. Err is set when playback
	// failed.
	SpeechEnded

	// FinalUtterance carries a complete utterance for the transcript.
	FinalUtterance

	// InterimUtterance carries recognition in progress.
	InterimUtterance

	// ThinkingStarted: a response is being generated.
	ThinkingStarted

	// ThinkingEnded: response generation finished or was abandoned.
	ThinkingEnded

	// Faulted reports a path error. Fatal faults make the path unusable.
	Faulted
)

func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	case FinalUtterance:
		return "final_utterance"
	case InterimUtterance:
		return "interim_utterance"
	case ThinkingStarted:
		return "thinking_started"
	case ThinkingEnded:
		return "thinking_ended"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Event is reported by a [Path] to the manager.
type Event struct {
	Kind EventKind

	// Role is RoleUser or RoleAssistant for utterance events.
	Role string

	Text string

	Err error

	// Fatal marks a Faulted event after which the path produces nothing more.
	Fatal bool
}

// Emit delivers an event to the manager. It may block briefly and returns
// once the event is queued or the path is being torn down.
type Emit func(Event)

// Timer is the subset of *time.Timer the turn gate needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. [time.AfterFunc] is the production choice.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ─── manager inbox ──────────────────────────────────────────────────────────

// input is anything the manager loop applies.
type input interface{ isInput() }

type (
	startCmd struct {
		ctx   context.Context
		desc  types.SessionDescriptor
		turn  TurnConfig
		reply chan error
	}
	muteCmd struct{ muted bool }
	endCmd  struct{ reply chan []Utterance }
	echoCmd struct{ cfg EchoConfig }

	// pathEvent is an Event tagged with the generation of the path handle
	// that produced it; events of closed handles are dropped.
	pathEvent struct {
		gen uint64
		ev  Event
	}

	// demoted: the remote path failed to open and was fully released.
	demoted struct{ err error }

	// opened: the init goroutine finished with handle (or err).
	opened struct {
		handle *pathHandle
		err    error
	}

	guardExpired struct{ gen uint64 }
)

func (startCmd) isInput()     {}
func (muteCmd) isInput()      {}
func (endCmd) isInput()       {}
func (echoCmd) isInput()      {}
func (pathEvent) isInput()    {}
func (demoted) isInput()      {}
func (opened) isInput()       {}
func (guardExpired) isInput() {}
