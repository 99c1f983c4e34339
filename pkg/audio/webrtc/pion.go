package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/MrWong99/parley/pkg/audio"
)

const peerChannelBuffer = 64

// pionPeer is the production [PeerTransport]: one PeerConnection carrying a
// sendrecv Opus track and the auxiliary data channel.
type pionPeer struct {
	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticSample
	dc    *webrtc.DataChannel
	enc   *audio.OpusCodec

	audioIn  chan audio.AudioFrame
	messages *messageQueue
	states   chan PeerState

	dcOpen    chan struct{}
	openOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

var _ PeerTransport = (*pionPeer)(nil)

// NewPionPeer is the default [PeerFactory].
func NewPionPeer(cfg PeerConfig) (PeerTransport, error) {
	var ice []webrtc.ICEServer
	if len(cfg.STUNServers) > 0 {
		ice = append(ice, webrtc.ICEServer{URLs: cfg.STUNServers})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	p := &pionPeer{
		pc:       pc,
		audioIn:  make(chan audio.AudioFrame, peerChannelBuffer),
		messages: newMessageQueue(),
		states:   make(chan PeerState, 8),
		dcOpen:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := p.setup(cfg); err != nil {
		_ = pc.Close()
		return nil, err
	}
	go p.messages.run(p.done)
	return p, nil
}

func (p *pionPeer) setup(cfg PeerConfig) error {
	enc, err := audio.NewOpusCodec(1)
	if err != nil {
		return err
	}
	p.enc = enc

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.OpusSampleRate, Channels: 2},
		"audio", "parley",
	)
	if err != nil {
		return fmt.Errorf("webrtc: create local track: %w", err)
	}
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("webrtc: add local track: %w", err)
	}
	p.track = track

	// RTCP must be read for interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	label := cfg.DataChannelLabel
	if label == "" {
		label = DefaultDataChannelLabel
	}
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return fmt.Errorf("webrtc: create data channel: %w", err)
	}
	dc.OnOpen(func() {
		p.openOnce.Do(func() { close(p.dcOpen) })
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.messages.push(msg.Data)
	})
	p.dc = dc

	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		go p.readRemote(remote)
	})

	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		var state PeerState
		switch s {
		case webrtc.PeerConnectionStateConnected:
			state = PeerConnected
		case webrtc.PeerConnectionStateDisconnected:
			state = PeerDisconnected
		case webrtc.PeerConnectionStateFailed:
			state = PeerFailed
		case webrtc.PeerConnectionStateClosed:
			state = PeerClosed
		default:
			state = PeerConnecting
		}
		select {
		case p.states <- state:
		case <-p.done:
		default:
		}
	})
	return nil
}

// readRemote decodes the remote Opus stream until the track ends.
func (p *pionPeer) readRemote(remote *webrtc.TrackRemote) {
	dec, err := audio.NewOpusCodec(1)
	if err != nil {
		slog.Error("webrtc: remote audio decoder", "err", err)
		return
	}
	var elapsed int
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		pcm, err := dec.Decode(pkt.Payload)
		if err != nil {
			slog.Debug("webrtc: dropping undecodable packet", "err", err)
			continue
		}
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: audio.OpusSampleRate,
			Channels:   1,
			Timestamp:  dec.Format().DurationOf(elapsed),
		}
		elapsed += len(pcm)
		select {
		case p.audioIn <- frame:
		case <-p.done:
			return
		default:
		}
	}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("webrtc: create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return p.pc.LocalDescription().SDP, nil
}

func (p *pionPeer) AcceptAnswer(_ context.Context, sdp string) error {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err != nil {
		return fmt.Errorf("webrtc: set remote description: %w", err)
	}
	return nil
}

func (p *pionPeer) SendAudio(frame audio.AudioFrame) error {
	packet, err := p.enc.Encode(frame.Data)
	if err != nil {
		return err
	}
	return p.track.WriteSample(media.Sample{Data: packet, Duration: audio.OpusFrameTime})
}

func (p *pionPeer) AudioInput() <-chan audio.AudioFrame { return p.audioIn }

func (p *pionPeer) Messages() <-chan []byte { return p.messages.out }

func (p *pionPeer) States() <-chan PeerState { return p.states }

// SendMessage waits for the data channel to open before writing.
func (p *pionPeer) SendMessage(ctx context.Context, payload []byte) error {
	select {
	case <-p.dcOpen:
	case <-p.done:
		return errors.New("webrtc: peer closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := p.dc.SendText(string(payload)); err != nil {
		return fmt.Errorf("webrtc: send data channel message: %w", err)
	}
	return nil
}

func (p *pionPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.pc.Close()
	})
	return err
}
