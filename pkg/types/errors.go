package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the transport, the local engines and the session
// manager. Every structured error below unwraps to its sentinel so callers can
// branch with errors.Is and still reach the details with errors.As.
var (
	// ErrCapabilityUnavailable means the execution environment lacks something
	// a path requires (audio server, recognizer model, synthesizer binary).
	ErrCapabilityUnavailable = errors.New("capability unavailable")

	// ErrMicrophoneUnavailable means the capture device could not be acquired.
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")

	// ErrConnection covers negotiation, authentication and transport failures.
	ErrConnection = errors.New("connection error")

	// ErrRecognitionTransient marks expected recognizer conditions such as
	// "no speech heard"; these only ever cause a restart.
	ErrRecognitionTransient = errors.New("recognition transient")

	// ErrSynthesis marks a local speech playback failure.
	ErrSynthesis = errors.New("synthesis error")
)

// CapabilityError names the missing capability.
type CapabilityError struct {
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capability unavailable: %s: %v", e.Capability, e.Err)
	}
	return "capability unavailable: " + e.Capability
}

func (e *CapabilityError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCapabilityUnavailable}
	}
	return []error{ErrCapabilityUnavailable, e.Err}
}

// Unavailable returns a [CapabilityError] for capability caused by err.
func Unavailable(capability string, err error) error {
	return &CapabilityError{Capability: capability, Err: err}
}

// MicrophoneCause distinguishes why the microphone could not be acquired.
type MicrophoneCause string

const (
	MicPermissionDenied MicrophoneCause = "permission_denied"
	MicNotFound         MicrophoneCause = "not_found"
	MicInUse            MicrophoneCause = "in_use"
	MicUnknown          MicrophoneCause = "unknown"
)

// MicrophoneError reports a failed capture acquisition with its cause.
type MicrophoneError struct {
	Cause MicrophoneCause
	Err   error
}

func (e *MicrophoneError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("microphone unavailable (%s): %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("microphone unavailable (%s)", e.Cause)
}

func (e *MicrophoneError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMicrophoneUnavailable}
	}
	return []error{ErrMicrophoneUnavailable, e.Err}
}

// UserMessage is a short explanation suitable for showing to the user.
func (e *MicrophoneError) UserMessage() string {
	switch e.Cause {
	case MicPermissionDenied:
		return "Microphone access was denied. Allow access and try again."
	case MicNotFound:
		return "No microphone was found. Connect one and try again."
	case MicInUse:
		return "The microphone is in use by another application."
	default:
		return "The microphone could not be started."
	}
}

// ConnectionReason classifies a [ConnectionError].
type ConnectionReason string

const (
	ReasonExpired   ConnectionReason = "expired"
	ReasonAuth      ConnectionReason = "auth"
	ReasonRejected  ConnectionReason = "rejected"
	ReasonTimeout   ConnectionReason = "timeout"
	ReasonTransport ConnectionReason = "transport"
)

// ConnectionError is a negotiation or transport failure with a human-readable cause.
type ConnectionError struct {
	Reason ConnectionReason
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("connection error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("connection error (%s)", e.Reason)
}

func (e *ConnectionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConnection}
	}
	return []error{ErrConnection, e.Err}
}

// ConnErr returns a [ConnectionError] with the given reason.
func ConnErr(reason ConnectionReason, err error) error {
	return &ConnectionError{Reason: reason, Err: err}
}
