package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio/webrtc"
	"github.com/MrWong99/parley/pkg/types"
)

// Transport is the remote realtime connection a [RemotePath] drives.
// *webrtc.Transport satisfies it.
type Transport interface {
	Connect(ctx context.Context, d types.SessionDescriptor) error
	Events() <-chan webrtc.Event
	SetMuted(muted bool)
	RequestResponse(ctx context.Context) error
	Disconnect() error
}

var _ Transport = (*webrtc.Transport)(nil)

// TransportFactory returns a fresh, unconnected transport. Transports are
// single-use, so every Open asks for a new one.
type TransportFactory func() Transport

// RemotePath holds the conversation over the remote realtime service. Voice
// activity, turn detection and response generation happen on the remote side;
// the path only translates its events.
type RemotePath struct {
	newTransport TransportFactory

	mu     sync.Mutex
	t      Transport
	muted  bool
	gated  bool
	closed bool

	wg sync.WaitGroup
}

var _ Path = (*RemotePath)(nil)

// NewRemotePath returns a path that opens transports with factory.
func NewRemotePath(factory TransportFactory) *RemotePath {
	return &RemotePath{newTransport: factory}
}

// Open implements [Path].
func (p *RemotePath) Open(ctx context.Context, desc types.SessionDescriptor, emit Emit) error {
	if p.newTransport == nil {
		return types.Unavailable("remote transport", errors.New("no transport configured"))
	}

	t := p.newTransport()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("remote: path closed")
	}
	p.t = t
	t.SetMuted(p.muted || p.gated)
	p.wg.Add(1)
	p.mu.Unlock()

	if err := t.Connect(ctx, desc); err != nil {
		p.wg.Done()
		_ = t.Disconnect()
		return err
	}

	go func() {
		defer p.wg.Done()
		forward(t.Events(), emit)
	}()
	return nil
}

// forward translates transport events until the channel is closed.
func forward(events <-chan webrtc.Event, emit Emit) {
	thinking := false
	endThinking := func() {
		if thinking {
			thinking = false
			emit(Event{Kind: ThinkingEnded})
		}
	}

	for ev := range events {
		switch ev.Kind {
		case webrtc.EventTranscript:
			kind := InterimUtterance
			if ev.Final {
				kind = FinalUtterance
			}
			emit(Event{Kind: kind, Role: roleOf(ev.Role), Text: ev.Text})
		case webrtc.EventResponseStarted:
			if !thinking {
				thinking = true
				emit(Event{Kind: ThinkingStarted})
			}
		case webrtc.EventAudioStarted:
			endThinking()
			emit(Event{Kind: SpeechStarted})
		case webrtc.EventAudioStopped:
			emit(Event{Kind: SpeechEnded})
		case webrtc.EventResponseCompleted:
			endThinking()
		case webrtc.EventError:
			emit(Event{Kind: Faulted, Err: remoteError(ev)})
		case webrtc.EventClosed:
			endThinking()
			err := ev.Err
			if err == nil {
				err = types.ConnErr(types.ReasonTransport, errors.New("connection closed"))
			}
			emit(Event{Kind: Faulted, Fatal: true, Err: err})
		}
	}
}

func roleOf(role string) string {
	if role == webrtc.RoleAssistant {
		return RoleAssistant
	}
	return RoleUser
}

func remoteError(ev webrtc.Event) error {
	if ev.Code != "" {
		return fmt.Errorf("remote: %s: %s", ev.Code, ev.Text)
	}
	return fmt.Errorf("remote: %s", ev.Text)
}

// Respond implements [Path]. The remote side answers user turns on its own,
// so only the opening turn needs an explicit request.
func (p *RemotePath) Respond(ctx context.Context, history []types.Message) error {
	if len(history) > 0 {
		return nil
	}
	p.mu.Lock()
	t := p.t
	p.mu.Unlock()
	if t == nil {
		return webrtc.ErrNotConnected
	}
	return t.RequestResponse(ctx)
}

// SetMuted implements [Path]. Muted audio is replaced by silence.
func (p *RemotePath) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	p.applyLocked()
}

// SetGated implements [Path]. The microphone is silenced while the
// assistant speaks.
func (p *RemotePath) SetGated(gated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gated = gated
	p.applyLocked()
}

func (p *RemotePath) applyLocked() {
	if p.t != nil {
		p.t.SetMuted(p.muted || p.gated)
	}
}

// Close implements [Path].
func (p *RemotePath) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	t := p.t
	p.mu.Unlock()

	var err error
	if t != nil {
		err = t.Disconnect()
	}
	p.wg.Wait()
	return err
}
