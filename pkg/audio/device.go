// Package audio defines the audio primitives and device abstractions shared by
// the remote transport and the local fallback path.
//
// The two device abstractions are:
//
//   - [Microphone] opens a [Capture] that delivers PCM [AudioFrame] values.
//   - [Speaker] opens a [Playback] that accepts PCM and plays it.
//
// Implementations live in adapter packages (e.g. audio/pulse). The session
// manager treats the microphone as a singleton: wrap it with [Exclusive] so two
// paths can never hold it at the same time.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/types"
)

// Constraints is the capture configuration requested from a [Microphone].
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGain         bool
	SampleRate       int
	Channels         int
}

// PreferredConstraints is the first constraint set tried when acquiring a
// microphone: processing enabled, 48 kHz mono.
func PreferredConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGain:         true,
		SampleRate:       48000,
		Channels:         1,
	}
}

// RelaxedConstraints drops every processing requirement and leaves the sample
// rate to the device.
func RelaxedConstraints() Constraints {
	return Constraints{Channels: 1}
}

// ErrConstraints is returned by a [Microphone] that cannot satisfy the
// requested [Constraints] but might satisfy a weaker set.
var ErrConstraints = errors.New("audio: constraints not satisfiable")

// Capture is a live microphone stream.
type Capture interface {
	// Frames delivers captured PCM. The channel is closed after Close.
	Frames() <-chan AudioFrame

	// Format is the format of the frames on Frames.
	Format() Format

	// Close stops capturing and releases the device. Safe to call more than once.
	Close() error
}

// Microphone opens capture streams.
type Microphone interface {
	// Open starts capturing with the given constraints. Implementations return
	// an error wrapping [ErrConstraints] when only the constraints were at fault.
	Open(ctx context.Context, c Constraints) (Capture, error)
}

// Playback is a live output stream.
type Playback interface {
	// Write queues PCM in the format the playback was opened with.
	Write(pcm []byte) error

	// Drain blocks until all queued audio has been played or ctx is done.
	Drain(ctx context.Context) error

	// Close stops playback immediately, discarding queued audio. Safe to call
	// more than once.
	Close() error
}

// Speaker opens playback streams.
type Speaker interface {
	Open(ctx context.Context, f Format) (Playback, error)
}

// Prober is implemented by devices and engines that can check their
// availability without acquiring anything.
type Prober interface {
	Probe(ctx context.Context) error
}

// Probe calls v.Probe when v implements [Prober] and reports nil otherwise.
func Probe(ctx context.Context, v any) error {
	if p, ok := v.(Prober); ok {
		return p.Probe(ctx)
	}
	return nil
}

// AcquireMicrophone opens mic with [PreferredConstraints] and, if that is
// rejected, retries exactly once with [RelaxedConstraints]. Failures come back
// as a [types.MicrophoneError] carrying the cause of the last attempt;
// cancellation is returned unchanged.
func AcquireMicrophone(ctx context.Context, mic Microphone) (Capture, error) {
	if mic == nil {
		return nil, &types.MicrophoneError{Cause: types.MicNotFound, Err: errors.New("no microphone configured")}
	}

	capture, err := mic.Open(ctx, PreferredConstraints())
	if err == nil {
		return capture, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	slog.Info("audio: preferred capture constraints rejected, relaxing", "err", err)

	capture, err = mic.Open(ctx, RelaxedConstraints())
	if err == nil {
		return capture, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var micErr *types.MicrophoneError
	if errors.As(err, &micErr) {
		return nil, micErr
	}
	if errors.Is(err, types.ErrCapabilityUnavailable) {
		return nil, err
	}
	return nil, &types.MicrophoneError{Cause: types.MicUnknown, Err: err}
}

// ─── Exclusive ───────────────────────────────────────────────────────────────

// ExclusiveMicrophone guards a [Microphone] so at most one [Capture] is live.
type ExclusiveMicrophone struct {
	mic Microphone

	mu   sync.Mutex
	held bool
}

// Exclusive wraps mic in an [ExclusiveMicrophone].
func Exclusive(mic Microphone) *ExclusiveMicrophone {
	return &ExclusiveMicrophone{mic: mic}
}

// Open implements [Microphone]. It fails with a [types.MicrophoneError] of
// cause [types.MicInUse] while another capture from this wrapper is open.
func (e *ExclusiveMicrophone) Open(ctx context.Context, c Constraints) (Capture, error) {
	e.mu.Lock()
	if e.held {
		e.mu.Unlock()
		return nil, &types.MicrophoneError{Cause: types.MicInUse, Err: fmt.Errorf("audio: microphone already held")}
	}
	e.held = true
	e.mu.Unlock()

	capture, err := e.mic.Open(ctx, c)
	if err != nil {
		e.release()
		return nil, err
	}
	return &exclusiveCapture{Capture: capture, release: e.release}, nil
}

// Probe forwards to the wrapped microphone.
func (e *ExclusiveMicrophone) Probe(ctx context.Context) error {
	return Probe(ctx, e.mic)
}

// Held reports whether a capture is currently live.
func (e *ExclusiveMicrophone) Held() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

func (e *ExclusiveMicrophone) release() {
	e.mu.Lock()
	e.held = false
	e.mu.Unlock()
}

type exclusiveCapture struct {
	Capture
	once    sync.Once
	release func()
}

func (c *exclusiveCapture) Close() error {
	err := c.Capture.Close()
	c.once.Do(c.release)
	return err
}
