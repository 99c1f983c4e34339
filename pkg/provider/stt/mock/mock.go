// Package mock provides test doubles for the stt package interfaces.
//
// Provider hands out a fresh [Session] per StartStream call (or the sessions
// queued in Sessions). Tests drive a session with Emit/EmitPartial and end it
// with End, which closes both channels and fixes the value of Err.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.StartStream(ctx, cfg)
//	p.Last().Emit("hello")
//	p.Last().End(nil)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// ErrSessionEnded is returned by SendAudio after the session ended.
var ErrSessionEnded = errors.New("mock: stt session ended")

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of [stt.Provider].
type Provider struct {
	mu sync.Mutex

	// Sessions are returned in order by StartStream. Once exhausted a new
	// default Session is created per call.
	Sessions []*Session

	// StartStreamErr, if non-nil, is returned by StartStream.
	StartStreamErr error

	// ProbeErr is returned by Probe.
	ProbeErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall

	started []*Session
	notify  chan *Session
}

var _ stt.Provider = (*Provider)(nil)

// StartStream records the call and returns the next session.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		err := p.StartStreamErr
		p.mu.Unlock()
		return nil, err
	}
	var s *Session
	if len(p.Sessions) > 0 {
		s, p.Sessions = p.Sessions[0], p.Sessions[1:]
	} else {
		s = NewSession()
	}
	p.started = append(p.started, s)
	notify := p.notify
	p.mu.Unlock()

	if notify != nil {
		notify <- s
	}
	return s, nil
}

// Probe implements the capability probe.
func (p *Provider) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProbeErr
}

// Started returns a channel that receives every session as it is started.
// Call before the code under test starts streams.
func (p *Provider) Started() <-chan *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.notify == nil {
		p.notify = make(chan *Session, 64)
	}
	return p.notify
}

// Last returns the most recently started session, or nil.
func (p *Provider) Last() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.started) == 0 {
		return nil
	}
	return p.started[len(p.started)-1]
}

// StartCount returns the number of successful StartStream calls.
func (p *Provider) StartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

// Session is a mock implementation of [stt.SessionHandle].
type Session struct {
	// Hold, if non-nil, makes Close block until it is closed, the way a
	// recognizer flushing buffered audio does.
	Hold <-chan struct{}

	mu       sync.Mutex
	partials chan types.Transcript
	finals   chan types.Transcript
	ended    bool
	err      error
	audio    [][]byte
	closes   int
}

var _ stt.SessionHandle = (*Session)(nil)

// NewSession returns a running session with buffered channels.
func NewSession() *Session {
	return &Session{
		partials: make(chan types.Transcript, 16),
		finals:   make(chan types.Transcript, 16),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return ErrSessionEnded
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

func (s *Session) Partials() <-chan types.Transcript { return s.partials }

func (s *Session) Finals() <-chan types.Transcript { return s.finals }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session naturally if it is still running, after Hold is
// released.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closes++
	s.mu.Unlock()
	if s.Hold != nil {
		<-s.Hold
	}
	s.End(nil)
	return nil
}

// Emit sends a final transcript. It reports false if the session has ended.
func (s *Session) Emit(text string) bool {
	return s.send(s.finals, types.Transcript{Text: text, IsFinal: true})
}

// EmitPartial sends an interim transcript.
func (s *Session) EmitPartial(text string) bool {
	return s.send(s.partials, types.Transcript{Text: text})
}

func (s *Session) send(ch chan types.Transcript, t types.Transcript) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	ch <- t
	return true
}

// End closes both channels with err as the reason. Later calls are no-ops.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	s.err = err
	close(s.partials)
	close(s.finals)
}

// Ended reports whether the session has ended.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Audio returns copies of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.audio...)
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}
