// Package webrtc is the remote session transport: it negotiates a duplex
// WebRTC audio session plus an auxiliary data channel with a remote AI
// endpoint and surfaces connection-state changes and classified inbound
// events to its owner.
//
// A [Transport] is single-use. It is created with the local microphone and
// speaker, connected once with a [types.SessionDescriptor], and disconnected
// when the conversation ends or fails. Renegotiation is not supported; a
// failed session needs a fresh descriptor and a fresh Transport.
//
// The peer connection itself sits behind the [PeerTransport] interface. The
// production implementation uses pion/webrtc; tests inject their own.
package webrtc

import (
	"net/http"
	"time"
)

// Defaults applied by [New].
const (
	DefaultEndpoint           = "https://api.openai.com/v1/realtime/calls"
	DefaultSTUNServer         = "stun:stun.l.google.com:19302"
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultDataChannelLabel   = "oai-events"
)

// Option configures a [Transport].
type Option func(*Transport)

// WithEndpoint sets the negotiation endpoint that receives the SDP offer.
func WithEndpoint(url string) Option {
	return func(t *Transport) {
		t.endpoint = url
	}
}

// WithSTUNServers sets the STUN server URLs used during ICE gathering.
// Defaults to [DefaultSTUNServer]. Passing no servers disables STUN.
func WithSTUNServers(servers ...string) Option {
	return func(t *Transport) {
		t.stunServers = servers
	}
}

// WithNegotiationTimeout bounds the offer/answer exchange, ICE gathering
// included. Defaults to [DefaultNegotiationTimeout].
func WithNegotiationTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithHTTPClient sets the client used for signaling.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) {
		t.httpClient = c
	}
}

// WithDataChannelLabel sets the label of the auxiliary event channel.
func WithDataChannelLabel(label string) Option {
	return func(t *Transport) {
		t.label = label
	}
}

// WithClock replaces the wall clock used for descriptor expiry checks.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		t.now = now
	}
}

// WithPeerFactory replaces the pion peer connection factory.
func WithPeerFactory(f PeerFactory) Option {
	return func(t *Transport) {
		t.newPeer = f
	}
}

// WithStateHook registers fn to observe every transport state change. fn is
// called synchronously with the transition and must not block.
func WithStateHook(fn func(StateChange)) Option {
	return func(t *Transport) {
		t.onState = fn
	}
}
