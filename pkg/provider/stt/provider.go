// Package stt defines the Provider interface for local speech-to-text engines.
//
// The central abstraction is SessionHandle: once opened, a session accepts raw
// PCM audio and emits two streams of [types.Transcript] values, low-latency
// partials for live captions and authoritative finals for the conversation
// transcript.
//
// A session ends in one of three ways, reported by SessionHandle.Err once both
// output channels are closed:
//
//   - naturally (nil), e.g. after the single utterance of a
//     StreamConfig.SingleUtterance session;
//   - with an error wrapping [types.ErrRecognitionTransient] for expected
//     conditions such as no speech within StreamConfig.NoSpeechTimeout;
//   - with any other error, which is a genuine recognizer fault.
//
// Callers that want continuous recognition restart the session in the first
// two cases and apply a retry budget in the third.
package stt

import (
	"context"
	"time"

	"github.com/MrWong99/parley/pkg/types"
)

// StreamConfig describes the audio format and recognition behaviour for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is what local
	// recognizers are tuned for.
	SampleRate int

	// Channels is the number of audio channels. Engines downmix internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string selects the engine default.
	Language string

	// SingleUtterance ends the session naturally after the first final.
	SingleUtterance bool

	// NoSpeechTimeout ends the session with a transient error when this much
	// audio has been received without any speech. Zero disables the check.
	NoSpeechTimeout time.Duration
}

// SessionHandle represents an open streaming session. All methods are safe for
// concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of s16le PCM in the agreed format. Calling
	// SendAudio after the session ended returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan types.Transcript

	// Finals emits authoritative transcripts. Closed when the session ends.
	Finals() <-chan types.Transcript

	// Err reports why the session ended. It returns nil while the session is
	// running and after a natural end.
	Err() error

	// Close terminates the session and releases its resources. After Close
	// returns, Partials and Finals are closed. Safe to call more than once.
	Close() error
}

// Provider is the abstraction over any STT engine.
type Provider interface {
	// StartStream opens a new session ready to accept audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
