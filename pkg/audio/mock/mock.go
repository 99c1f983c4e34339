// Package mock provides in-memory implementations of the [audio.Microphone]
// and [audio.Speaker] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can assert
// on acquisition order and teardown, and expose exported fields that control
// return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{FailPreferred: errors.New("no AEC")}
//	capture, err := audio.AcquireMicrophone(ctx, mic)
//	mic.Capture().Push(frame)
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr, when set, is returned by every Open call.
	OpenErr error

	// FailPreferred rejects any Open that requests echo cancellation with an
	// error wrapping [audio.ErrConstraints] and this error.
	FailPreferred error

	// ProbeErr is returned by Probe.
	ProbeErr error

	// Opened records the constraints of every Open call, in order.
	Opened []audio.Constraints

	// CloseCount counts Close calls across all captures.
	CloseCount int

	captures []*Capture
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, c audio.Constraints) (audio.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Opened = append(m.Opened, c)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	if m.FailPreferred != nil && c.EchoCancellation {
		return nil, fmt.Errorf("%w: %w", audio.ErrConstraints, m.FailPreferred)
	}
	rate := c.SampleRate
	if rate == 0 {
		rate = 16000
	}
	ch := c.Channels
	if ch == 0 {
		ch = 1
	}
	capture := &Capture{
		format: audio.Format{SampleRate: rate, Channels: ch},
		frames: make(chan audio.AudioFrame, 64),
		onClose: func() {
			m.mu.Lock()
			m.CloseCount++
			m.mu.Unlock()
		},
	}
	m.captures = append(m.captures, capture)
	return capture, nil
}

// Probe implements [audio.Prober].
func (m *Microphone) Probe(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ProbeErr
}

// Capture returns the most recently opened capture, or nil.
func (m *Microphone) Capture() *Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captures) == 0 {
		return nil
	}
	return m.captures[len(m.captures)-1]
}

// OpenCount returns the number of Open calls.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Opened)
}

// Closes returns the number of closed captures.
func (m *Microphone) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseCount
}

// Capture is a mock [audio.Capture] fed by [Capture.Push].
type Capture struct {
	format  audio.Format
	frames  chan audio.AudioFrame
	onClose func()

	mu     sync.Mutex
	closed bool
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan audio.AudioFrame { return c.frames }

// Format implements [audio.Capture].
func (c *Capture) Format() audio.Format { return c.format }

// Push delivers a frame to Frames. It reports false if the capture is closed
// or the buffer is full.
func (c *Capture) Push(f audio.AudioFrame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.frames <- f:
		return true
	default:
		return false
	}
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.frames)
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

// Closed reports whether Close was called.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// ErrPlaybackClosed is returned by writes to a closed mock playback.
var ErrPlaybackClosed = errors.New("mock: playback closed")

// Speaker is a mock implementation of [audio.Speaker]. All written PCM is
// recorded in order.
type Speaker struct {
	mu sync.Mutex

	// OpenErr is returned by Open.
	OpenErr error

	// WriteErr is returned by every Write.
	WriteErr error

	// ProbeErr is returned by Probe.
	ProbeErr error

	written   []byte
	opens     int
	closes    int
	playbacks []*Playback
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, f audio.Format) (audio.Playback, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	p := &Playback{speaker: s, Format: f}
	s.playbacks = append(s.playbacks, p)
	return p, nil
}

// Probe implements [audio.Prober].
func (s *Speaker) Probe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ProbeErr
}

// Written returns a copy of every byte written to any playback.
func (s *Speaker) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Opens returns the number of Open calls.
func (s *Speaker) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Closes returns the number of closed playbacks.
func (s *Speaker) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// Playback is a mock [audio.Playback].
type Playback struct {
	speaker *Speaker
	Format  audio.Format
	closed  bool
}

// Write implements [audio.Playback].
func (p *Playback) Write(pcm []byte) error {
	p.speaker.mu.Lock()
	defer p.speaker.mu.Unlock()
	if p.closed {
		return ErrPlaybackClosed
	}
	if p.speaker.WriteErr != nil {
		return p.speaker.WriteErr
	}
	p.speaker.written = append(p.speaker.written, pcm...)
	return nil
}

// Drain implements [audio.Playback]. It returns immediately.
func (p *Playback) Drain(ctx context.Context) error {
	return ctx.Err()
}

// Close implements [audio.Playback].
func (p *Playback) Close() error {
	p.speaker.mu.Lock()
	defer p.speaker.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.speaker.closes++
	}
	return nil
}
