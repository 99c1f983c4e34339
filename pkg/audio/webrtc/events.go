package webrtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventKind classifies an inbound data channel message.
type EventKind int

const (
	// EventTranscript carries a transcript fragment; see [Event.Final].
	EventTranscript EventKind = iota + 1

	// EventResponseStarted marks the remote side beginning a response.
	EventResponseStarted

	// EventResponseCompleted marks the end of a response.
	EventResponseCompleted

	// EventAudioStarted marks the remote voice starting to play.
	EventAudioStarted

	// EventAudioStopped marks the remote voice having stopped.
	EventAudioStopped

	// EventError is an error notification from the remote side.
	EventError

	// EventClosed is emitted once when the peer connection is lost.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventTranscript:
		return "transcript"
	case EventResponseStarted:
		return "response_started"
	case EventResponseCompleted:
		return "response_completed"
	case EventAudioStarted:
		return "audio_started"
	case EventAudioStopped:
		return "audio_stopped"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is a classified inbound message.
type Event struct {
	Kind EventKind

	// Role is RoleUser or RoleAssistant for transcript events.
	Role string

	// Text is the transcript so far (interim) or the complete utterance (final),
	// or the message of an error notification.
	Text string

	// Final is set on the last transcript event of an item.
	Final bool

	// ItemID identifies the conversation item a transcript belongs to.
	ItemID string

	// Code is the remote error code, when provided.
	Code string

	// Err is set on EventClosed.
	Err error
}

// ErrMalformedEvent wraps every classification failure.
var ErrMalformedEvent = errors.New("webrtc: malformed event")

// serverEvent is the subset of the realtime event schema the classifier reads.
type serverEvent struct {
	Type       string             `json:"type"`
	ItemID     string             `json:"item_id,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Classifier turns raw data channel payloads into [Event] values. Delta
// fragments are accumulated per item so interim events carry the full text
// heard so far. A Classifier is owned by one reader goroutine.
type Classifier struct {
	partial map[string]*strings.Builder
}

// NewClassifier returns an empty Classifier.
func NewClassifier() *Classifier {
	return &Classifier{partial: make(map[string]*strings.Builder)}
}

// Classify parses one payload. It returns ok=false for well-formed events the
// session does not care about, and an error wrapping [ErrMalformedEvent] for
// payloads that cannot be parsed.
func (c *Classifier) Classify(payload []byte) (ev Event, ok bool, err error) {
	var se serverEvent
	if err := json.Unmarshal(payload, &se); err != nil {
		return Event{}, false, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if se.Type == "" {
		return Event{}, false, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch se.Type {
	case "conversation.item.input_audio_transcription.delta":
		return c.delta(RoleUser, se)
	case "conversation.item.input_audio_transcription.completed":
		return c.done(RoleUser, se)

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		return c.delta(RoleAssistant, se)
	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return c.done(RoleAssistant, se)

	case "response.created":
		return Event{Kind: EventResponseStarted}, true, nil
	case "response.done":
		return Event{Kind: EventResponseCompleted}, true, nil

	case "output_audio_buffer.started":
		return Event{Kind: EventAudioStarted}, true, nil
	case "output_audio_buffer.stopped", "output_audio_buffer.cleared":
		return Event{Kind: EventAudioStopped}, true, nil

	case "error":
		if se.Error == nil {
			return Event{}, false, fmt.Errorf("%w: error event without detail", ErrMalformedEvent)
		}
		return Event{Kind: EventError, Text: se.Error.Message, Code: se.Error.Code}, true, nil
	}
	return Event{}, false, nil
}

func (c *Classifier) delta(role string, se serverEvent) (Event, bool, error) {
	if se.Delta == "" {
		return Event{}, false, nil
	}
	key := role + "/" + se.ItemID
	b, exists := c.partial[key]
	if !exists {
		b = &strings.Builder{}
		c.partial[key] = b
	}
	b.WriteString(se.Delta)
	return Event{Kind: EventTranscript, Role: role, Text: b.String(), ItemID: se.ItemID}, true, nil
}

func (c *Classifier) done(role string, se serverEvent) (Event, bool, error) {
	key := role + "/" + se.ItemID
	text := se.Transcript
	if b, exists := c.partial[key]; exists {
		if text == "" {
			text = b.String()
		}
		delete(c.partial, key)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Event{}, false, nil
	}
	return Event{Kind: EventTranscript, Role: role, Text: text, Final: true, ItemID: se.ItemID}, true, nil
}

// responseCreate is the client event that asks the remote side to speak.
var responseCreate = []byte(`{"type":"response.create"}`)
