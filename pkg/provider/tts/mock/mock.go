// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks:           [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []types.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	stream, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Voice types.VoiceProfile

	// Text is every fragment read from the text channel, concatenated. It is
	// complete once the returned stream has closed.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Chunks are emitted on every stream after the text channel closes.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned by SynthesizeStream.
	SynthesizeErr error

	// StreamErr, if non-nil, ends every stream with this error after the
	// chunks were emitted.
	StreamErr error

	// Hold, if non-nil, keeps every stream open after its chunks until Hold
	// is closed or the stream context ends.
	Hold chan struct{}

	// ListVoicesResult and ListVoicesErr are returned by ListVoices.
	ListVoicesResult []types.VoiceProfile
	ListVoicesErr    error

	// ProbeErr is returned by Probe.
	ProbeErr error

	// OutputFormat is returned by Format. Defaults to 16 kHz mono.
	OutputFormat audio.Format

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeStream records the call and returns a stream that reads all text,
// emits Chunks and then ends with StreamErr.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (tts.Stream, error) {
	p.mu.Lock()
	idx := len(p.SynthesizeStreamCalls)
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := append([][]byte(nil), p.Chunks...)
	streamErr := p.StreamErr
	hold := p.Hold
	p.mu.Unlock()

	out := tts.NewPipe(len(chunks))
	go func() {
		var sb strings.Builder
	read:
		for {
			select {
			case s, ok := <-text:
				if !ok {
					break read
				}
				sb.WriteString(s)
			case <-ctx.Done():
				break read
			}
		}
		p.mu.Lock()
		p.SynthesizeStreamCalls[idx].Text = sb.String()
		p.mu.Unlock()

		for _, c := range chunks {
			if !out.Send(ctx, append([]byte(nil), c...)) {
				out.Close(nil)
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				out.Close(nil)
				return
			}
		}
		out.Close(streamErr)
	}()
	return out, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(context.Context) ([]types.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.OutputFormat.SampleRate == 0 {
		return audio.Format{SampleRate: 16000, Channels: 1}
	}
	return p.OutputFormat
}

// Probe returns ProbeErr.
func (p *Provider) Probe(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProbeErr
}

// Calls returns a copy of the recorded SynthesizeStream calls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeStreamCall(nil), p.SynthesizeStreamCalls...)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCalls = 0
}
