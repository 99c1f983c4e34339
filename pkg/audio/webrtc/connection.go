package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

const eventBuffer = 64

var (
	// ErrAlreadyUsed is returned by a second call to [Transport.Connect].
	ErrAlreadyUsed = errors.New("webrtc: transport already used")

	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("webrtc: not connected")
)

// peerFormat is the PCM format exchanged with the peer in both directions.
var peerFormat = audio.Format{SampleRate: audio.OpusSampleRate, Channels: 1}

// StateChange describes one transition of a [Transport]. Err is set when the
// transition into [types.StateFailed] was caused by an error.
type StateChange struct {
	From types.ConnectionState
	To   types.ConnectionState
	Err  error
}

// Transport is one remote conversation session. It is safe for concurrent use.
type Transport struct {
	mic     audio.Microphone
	speaker audio.Speaker

	endpoint    string
	stunServers []string
	timeout     time.Duration
	httpClient  *http.Client
	label       string
	now         func() time.Time
	newPeer     PeerFactory
	onState     func(StateChange)

	mu            sync.Mutex
	state         types.ConnectionState
	used          bool
	closed        bool
	peer          PeerTransport
	capture       audio.Capture
	playback      audio.Playback
	cancelConnect context.CancelFunc
	cancelRun     context.CancelFunc

	muted    atomic.Bool
	events   chan Event
	lostOnce sync.Once
	wg       sync.WaitGroup
}

// New returns an unconnected Transport that captures from mic and plays the
// remote voice through speaker.
func New(mic audio.Microphone, speaker audio.Speaker, opts ...Option) *Transport {
	t := &Transport{
		mic:         mic,
		speaker:     speaker,
		endpoint:    DefaultEndpoint,
		stunServers: []string{DefaultSTUNServer},
		timeout:     DefaultNegotiationTimeout,
		httpClient:  http.DefaultClient,
		label:       DefaultDataChannelLabel,
		now:         time.Now,
		newPeer:     NewPionPeer,
		events:      make(chan Event, eventBuffer),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Events delivers classified inbound events. The channel is closed by
// [Transport.Disconnect].
func (t *Transport) Events() <-chan Event { return t.events }

// State returns the current connection state.
func (t *Transport) State() types.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetMuted stops (or resumes) forwarding microphone audio. While muted the
// remote side receives silence.
func (t *Transport) SetMuted(muted bool) {
	t.muted.Store(muted)
}

// Muted reports whether outbound audio is muted.
func (t *Transport) Muted() bool { return t.muted.Load() }

// RequestResponse asks the remote side to speak without waiting for user input.
func (t *Transport) RequestResponse(ctx context.Context) error {
	t.mu.Lock()
	peer, state := t.peer, t.state
	t.mu.Unlock()
	if peer == nil || state != types.StateConnected {
		return ErrNotConnected
	}
	return peer.SendMessage(ctx, responseCreate)
}

// Connect validates d, acquires the microphone and speaker, negotiates the
// peer connection and starts media flow. It blocks until the session is
// connected or has failed. Failures are [types.ConnectionError],
// [types.MicrophoneError] or [types.CapabilityError] values; cancellation of
// ctx is returned unchanged and leaves the transport disconnected.
//
// An expired or invalid descriptor fails before anything is acquired and
// leaves the state at [types.StateDisconnected].
func (t *Transport) Connect(ctx context.Context, d types.SessionDescriptor) error {
	t.mu.Lock()
	if t.used {
		t.mu.Unlock()
		return ErrAlreadyUsed
	}
	t.used = true
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	if d.Expired(t.now()) {
		return types.ConnErr(types.ReasonExpired, fmt.Errorf("descriptor %q expired at %s", d.ID, d.ExpiresAt.Format(time.RFC3339)))
	}
	if err := d.Validate(); err != nil {
		return types.ConnErr(types.ReasonAuth, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return audio.Probe(gctx, t.mic) })
	g.Go(func() error { return audio.Probe(gctx, t.speaker) })
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	connectCtx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.cancelConnect = cancelConnect
	t.setStateLocked(types.StateConnecting, nil)
	t.mu.Unlock()

	start := time.Now()
	if err := t.connect(connectCtx, d); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		t.abort(err)
		return err
	}
	slog.Info("webrtc: session connected", "session", d.ID, "took", time.Since(start))
	return nil
}

func (t *Transport) connect(ctx context.Context, d types.SessionDescriptor) error {
	capture, err := audio.AcquireMicrophone(ctx, t.mic)
	if err != nil {
		return err
	}
	if !t.hold(func() { t.capture = capture }) {
		_ = capture.Close()
		return context.Canceled
	}

	playback, err := t.speaker.Open(ctx, peerFormat)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, types.ErrCapabilityUnavailable) {
			return err
		}
		return types.Unavailable("speaker", err)
	}
	if !t.hold(func() { t.playback = playback }) {
		_ = playback.Close()
		return context.Canceled
	}

	peer, err := t.newPeer(PeerConfig{STUNServers: t.stunServers, DataChannelLabel: t.label})
	if err != nil {
		return types.ConnErr(types.ReasonTransport, err)
	}
	if !t.hold(func() { t.peer = peer }) {
		_ = peer.Close()
		return context.Canceled
	}

	negCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	offer, err := peer.CreateOffer(negCtx)
	if err != nil {
		return negotiationErr(negCtx, types.ReasonTransport, err)
	}
	sig := &signaler{endpoint: t.endpoint, client: t.httpClient}
	answer, err := sig.Negotiate(negCtx, d, offer)
	if err != nil {
		return negotiationErr(negCtx, types.ReasonTransport, err)
	}
	if err := peer.AcceptAnswer(negCtx, answer); err != nil {
		return negotiationErr(negCtx, types.ReasonRejected, err)
	}
	if err := waitConnected(negCtx, peer); err != nil {
		return negotiationErr(negCtx, types.ReasonTransport, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return context.Canceled
	}
	runCtx, cancelRun := context.WithCancel(context.Background())
	t.cancelRun = cancelRun
	t.setStateLocked(types.StateConnected, nil)

	t.wg.Add(4)
	go t.sendLoop(runCtx, capture, peer)
	go t.playLoop(runCtx, peer, playback)
	go t.messageLoop(runCtx, peer)
	go t.stateLoop(runCtx, peer)
	return nil
}

// hold stores an acquired resource unless the transport was disconnected
// concurrently, in which case the caller must release it.
func (t *Transport) hold(store func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	store()
	return true
}

// waitConnected blocks until the peer reports connectivity.
func waitConnected(ctx context.Context, peer PeerTransport) error {
	for {
		select {
		case s := <-peer.States():
			switch s {
			case PeerConnected:
				return nil
			case PeerFailed, PeerClosed:
				return fmt.Errorf("peer connection %s during negotiation", s)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// negotiationErr maps err onto a [types.ConnectionError], turning deadline
// expiry into [types.ReasonTimeout]. Errors that are already classified pass
// through.
func negotiationErr(ctx context.Context, reason types.ConnectionReason, err error) error {
	var connErr *types.ConnectionError
	if errors.As(err, &connErr) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.ConnErr(types.ReasonTimeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return types.ConnErr(reason, err)
}

// abort releases everything Connect acquired after a failed attempt.
func (t *Transport) abort(err error) {
	t.mu.Lock()
	peer, capture, playback := t.peer, t.capture, t.playback
	t.peer, t.capture, t.playback = nil, nil, nil
	if !t.closed {
		cancelled := !errors.Is(err, types.ErrConnection) &&
			(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
		if cancelled {
			t.setStateLocked(types.StateDisconnected, nil)
		} else {
			t.setStateLocked(types.StateFailed, err)
		}
	}
	t.mu.Unlock()

	releaseAll(peer, capture, playback)
}

func releaseAll(peer PeerTransport, capture audio.Capture, playback audio.Playback) {
	if peer != nil {
		if err := peer.Close(); err != nil {
			slog.Debug("webrtc: close peer", "err", err)
		}
	}
	if capture != nil {
		_ = capture.Close()
	}
	if playback != nil {
		_ = playback.Close()
	}
}

// Disconnect tears the session down, releases the microphone and closes the
// event channel. It aborts a Connect in progress. Safe to call more than once.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancelConnect != nil {
		t.cancelConnect()
	}
	if t.cancelRun != nil {
		t.cancelRun()
	}
	peer, capture, playback := t.peer, t.capture, t.playback
	t.peer, t.capture, t.playback = nil, nil, nil
	t.setStateLocked(types.StateDisconnected, nil)
	t.mu.Unlock()

	releaseAll(peer, capture, playback)
	t.wg.Wait()
	close(t.events)
	return nil
}

// setStateLocked moves to next and notifies the state hook. Illegal edges are
// ignored. t.mu must be held; the hook must not call back into t.
func (t *Transport) setStateLocked(next types.ConnectionState, err error) {
	prev := t.state
	if prev == next {
		return
	}
	if !prev.CanTransition(next) {
		slog.Debug("webrtc: ignoring illegal state change", "from", prev, "to", next)
		return
	}
	t.state = next
	if t.onState != nil {
		t.onState(StateChange{From: prev, To: next, Err: err})
	}
}

// lose records a mid-session transport failure. The owner learns about it
// through an [EventClosed] event and is expected to call Disconnect.
func (t *Transport) lose(ctx context.Context, err error) {
	t.lostOnce.Do(func() {
		t.mu.Lock()
		if !t.closed {
			t.setStateLocked(types.StateFailed, err)
		}
		t.mu.Unlock()
		slog.Warn("webrtc: connection lost", "err", err)
		t.emit(ctx, Event{Kind: EventClosed, Err: err})
	})
}

func (t *Transport) emit(ctx context.Context, ev Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

// ─── pumps ───────────────────────────────────────────────────────────────────

// sendLoop converts captured audio to 20 ms 48 kHz mono frames and sends
// them to the peer. Muted frames are replaced by silence to keep RTP timing.
func (t *Transport) sendLoop(ctx context.Context, capture audio.Capture, peer PeerTransport) {
	defer t.wg.Done()
	conv := &audio.FormatConverter{Target: peerFormat}
	framer := audio.NewFramer(peerFormat.FrameBytes(audio.OpusFrameTime))
	frames := capture.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			frame = conv.Convert(frame)
			if frame.Data == nil {
				continue
			}
			for _, chunk := range framer.Push(frame.Data) {
				if t.muted.Load() {
					clear(chunk)
				}
				out := audio.AudioFrame{Data: chunk, SampleRate: peerFormat.SampleRate, Channels: peerFormat.Channels}
				if err := peer.SendAudio(out); err != nil {
					slog.Debug("webrtc: send audio", "err", err)
				}
			}
		}
	}
}

// playLoop writes remote audio to the speaker.
func (t *Transport) playLoop(ctx context.Context, peer PeerTransport, playback audio.Playback) {
	defer t.wg.Done()
	conv := &audio.FormatConverter{Target: peerFormat}
	in := peer.AudioInput()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-in:
			if !ok {
				return
			}
			frame = conv.Convert(frame)
			if frame.Data == nil {
				continue
			}
			if err := playback.Write(frame.Data); err != nil {
				slog.Debug("webrtc: playback write", "err", err)
			}
		}
	}
}

// messageLoop classifies data channel payloads. Malformed payloads are logged
// and dropped.
func (t *Transport) messageLoop(ctx context.Context, peer PeerTransport) {
	defer t.wg.Done()
	c := NewClassifier()
	in := peer.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-in:
			if !ok {
				return
			}
			ev, ok, err := c.Classify(payload)
			if err != nil {
				slog.Warn("webrtc: dropping data channel message", "err", err)
				continue
			}
			if !ok {
				continue
			}
			if ev.Kind == EventError {
				slog.Warn("webrtc: remote error", "code", ev.Code, "message", ev.Text)
			}
			t.emit(ctx, ev)
		}
	}
}

// stateLoop watches peer connectivity for terminal failures.
func (t *Transport) stateLoop(ctx context.Context, peer PeerTransport) {
	defer t.wg.Done()
	states := peer.States()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				t.lose(ctx, types.ConnErr(types.ReasonTransport, errors.New("peer state stream closed")))
				return
			}
			switch s {
			case PeerFailed, PeerClosed:
				t.lose(ctx, types.ConnErr(types.ReasonTransport, fmt.Errorf("peer connection %s", s)))
				return
			case PeerDisconnected:
				slog.Info("webrtc: peer disconnected, waiting for ICE to recover")
			}
		}
	}
}
