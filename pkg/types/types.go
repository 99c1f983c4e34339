// Package types defines the shared types used across all parley packages.
//
// These types form the lingua franca between the remote transport, the local
// engines and the session manager. Each package defines its own domain types;
// only cross-cutting data structures live here to avoid circular imports.
package types

import (
	"fmt"
	"time"
)

// SessionDescriptor is issued by the external collaborator before a remote
// connection attempt. It authorises exactly one negotiation and is immutable
// once issued; an expired descriptor must be replaced, never refreshed.
type SessionDescriptor struct {
	// ID is the opaque session identifier assigned by the remote endpoint.
	ID string `json:"id"`

	// ClientSecret is the short-lived credential presented during signaling.
	ClientSecret string `json:"client_secret"`

	// ExpiresAt is the instant after which ClientSecret is no longer accepted.
	// A zero value means the collaborator did not report an expiry.
	ExpiresAt time.Time `json:"expires_at"`

	// Model is the remote model the session was created for.
	Model string `json:"model,omitempty"`

	// Voice is the voice the remote side speaks with.
	Voice string `json:"voice,omitempty"`

	// InputFormat and OutputFormat name the negotiated audio sample formats
	// (e.g. "pcm16").
	InputFormat  string `json:"input_format,omitempty"`
	OutputFormat string `json:"output_format,omitempty"`
}

// Expired reports whether the descriptor's credential is no longer valid at now.
func (d SessionDescriptor) Expired(now time.Time) bool {
	if d.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(d.ExpiresAt)
}

// Validate checks that the descriptor carries the fields needed to negotiate.
func (d SessionDescriptor) Validate() error {
	if d.ClientSecret == "" {
		return fmt.Errorf("session descriptor %q: client secret is empty", d.ID)
	}
	return nil
}

// ConnectionState is the low-level state of a conversation channel.
type ConnectionState int

const (
	// StateDisconnected is the initial state and the state after teardown.
	StateDisconnected ConnectionState = iota

	// StateConnecting covers capability checks, media acquisition and negotiation.
	StateConnecting

	// StateConnected means media flows in both directions.
	StateConnected

	// StateFailed is entered on negotiation errors and mid-session transport loss.
	StateFailed
)

// String returns the lower-case name of the state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so states render as names in JSON.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var connectionTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed, StateDisconnected},
	StateConnected:    {StateFailed, StateDisconnected},
	StateFailed:       {StateDisconnected, StateConnecting},
}

// CanTransition reports whether moving from s to next is a legal edge.
// Staying in the same state is always allowed and is treated as a no-op by callers.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	if s == next {
		return true
	}
	for _, allowed := range connectionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transcript represents a speech-to-text result from a recognizer.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). Zero when not reported.
	Confidence float64

	// Timestamp marks when the utterance started, relative to stream start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// VoiceProfile describes a synthesizer voice together with the speaking
// parameters it should be rendered with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is the BCP-47 tag of the voice, when known.
	Language string

	// PitchShift adjusts pitch (-10 to +10, 0 = default).
	PitchShift float64

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, quality, model path).
	Metadata map[string]string
}
