package webrtc

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
)

// PeerState is the connectivity of a [PeerTransport].
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerTransport abstracts the WebRTC peer connection so the [Transport]
// logic can be exercised without pion.
type PeerTransport interface {
	// CreateOffer creates the local SDP offer, ICE candidates included.
	CreateOffer(ctx context.Context) (sdpOffer string, err error)

	// AcceptAnswer applies the remote SDP answer.
	AcceptAnswer(ctx context.Context, sdpAnswer string) error

	// SendAudio sends one 20 ms frame of 48 kHz mono PCM.
	SendAudio(frame audio.AudioFrame) error

	// AudioInput delivers decoded 48 kHz mono PCM received from the remote peer.
	AudioInput() <-chan audio.AudioFrame

	// Messages delivers raw payloads received on the data channel.
	Messages() <-chan []byte

	// SendMessage writes a text payload to the data channel.
	SendMessage(ctx context.Context, payload []byte) error

	// States delivers connectivity changes.
	States() <-chan PeerState

	// Close tears down the peer connection and releases resources.
	Close() error
}

// PeerConfig is passed to a [PeerFactory].
type PeerConfig struct {
	STUNServers      []string
	DataChannelLabel string
}

// PeerFactory creates a new, unconnected [PeerTransport].
type PeerFactory func(cfg PeerConfig) (PeerTransport, error)
