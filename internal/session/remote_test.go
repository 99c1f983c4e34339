package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio/webrtc"
	"github.com/MrWong99/parley/pkg/types"
)

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	events      chan webrtc.Event
	muted       bool
	requests    int
	disconnects int
	closeOnce   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan webrtc.Event, 32)}
}

func (f *fakeTransport) Connect(context.Context, types.SessionDescriptor) error {
	return f.connectErr
}

func (f *fakeTransport) Events() <-chan webrtc.Event { return f.events }

func (f *fakeTransport) SetMuted(muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = muted
}

func (f *fakeTransport) RequestResponse(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeTransport) isMuted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

// collector is an Emit that records events on a channel.
type collector chan Event

func (c collector) emit(ev Event) { c <- ev }

func (c collector) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestRemotePath_TranslatesEvents(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	p := NewRemotePath(func() Transport { return ft })
	events := make(collector, 64)
	if err := p.Open(context.Background(), validDescriptor, events.emit); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ft.events <- webrtc.Event{Kind: webrtc.EventResponseStarted}
	ft.events <- webrtc.Event{Kind: webrtc.EventAudioStarted}
	ft.events <- webrtc.Event{Kind: webrtc.EventTranscript, Role: webrtc.RoleAssistant, Text: "Welcome!", Final: true}
	ft.events <- webrtc.Event{Kind: webrtc.EventAudioStopped}
	ft.events <- webrtc.Event{Kind: webrtc.EventResponseCompleted}
	ft.events <- webrtc.Event{Kind: webrtc.EventTranscript, Role: webrtc.RoleUser, Text: "Thanks"}
	ft.events <- webrtc.Event{Kind: webrtc.EventTranscript, Role: webrtc.RoleUser, Text: "Thanks for having me", Final: true}
	ft.events <- webrtc.Event{Kind: webrtc.EventError, Code: "rate_limit", Text: "slow down"}
	ft.events <- webrtc.Event{Kind: webrtc.EventClosed, Err: errors.New("ice failed")}

	want := []struct {
		kind  EventKind
		role  string
		text  string
		fatal bool
	}{
		{ThinkingStarted, "", "", false},
		{ThinkingEnded, "", "", false},
		{SpeechStarted, "", "", false},
		{FinalUtterance, RoleAssistant, "Welcome!", false},
		{SpeechEnded, "", "", false},
		{InterimUtterance, RoleUser, "Thanks", false},
		{FinalUtterance, RoleUser, "Thanks for having me", false},
		{Faulted, "", "", false},
		{Faulted, "", "", true},
	}
	for i, w := range want {
		ev := events.next(t)
		if ev.Kind != w.kind || ev.Role != w.role || ev.Text != w.text || ev.Fatal != w.fatal {
			t.Errorf("event %d = %+v, want %v role=%q text=%q fatal=%v", i, ev, w.kind, w.role, w.text, w.fatal)
		}
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ft.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", ft.disconnects)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRemotePath_OpenFailure(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	ft.connectErr = types.ConnErr(types.ReasonAuth, errors.New("401"))
	p := NewRemotePath(func() Transport { return ft })

	err := p.Open(context.Background(), validDescriptor, func(Event) {})
	if !errors.Is(err, types.ErrConnection) {
		t.Fatalf("Open = %v, want connection error", err)
	}
	if ft.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", ft.disconnects)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestRemotePath_NoTransport(t *testing.T) {
	t.Parallel()

	err := NewRemotePath(nil).Open(context.Background(), validDescriptor, func(Event) {})
	if !errors.Is(err, types.ErrCapabilityUnavailable) {
		t.Errorf("Open = %v, want capability error", err)
	}
}

func TestRemotePath_MuteAndGate(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	p := NewRemotePath(func() Transport { return ft })
	p.SetMuted(true)
	if err := p.Open(context.Background(), validDescriptor, func(Event) {}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if !ft.isMuted() {
		t.Error("transport not muted after Open")
	}
	p.SetGated(true)
	p.SetMuted(false)
	if !ft.isMuted() {
		t.Error("transport unmuted while gated")
	}
	p.SetGated(false)
	if ft.isMuted() {
		t.Error("transport still muted")
	}
}

func TestRemotePath_Respond(t *testing.T) {
	t.Parallel()

	ft := newFakeTransport()
	p := NewRemotePath(func() Transport { return ft })
	if err := p.Respond(context.Background(), nil); !errors.Is(err, webrtc.ErrNotConnected) {
		t.Errorf("Respond before Open = %v, want %v", err, webrtc.ErrNotConnected)
	}
	if err := p.Open(context.Background(), validDescriptor, func(Event) {}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	if err := p.Respond(context.Background(), nil); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if err := p.Respond(context.Background(), []types.Message{{Role: RoleUser, Content: "hi"}}); err != nil {
		t.Fatalf("Respond with history: %v", err)
	}
	if ft.requests != 1 {
		t.Errorf("requests = %d, want 1", ft.requests)
	}
}
