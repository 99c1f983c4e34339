// Package tts defines the Provider interface for local text-to-speech engines
// and the [Synthesizer] that speaks through a local output device.
//
// A provider turns text into s16le PCM in its [Provider.Format]. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// so generated text can be piped into synthesis sentence by sentence. Failures
// during synthesis are reported by [Stream.Err] once the audio channel closes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

// Provider is the abstraction over any TTS engine.
type Provider interface {
	// SynthesizeStream consumes text fragments and returns a [Stream] of PCM
	// audio. The audio channel is closed when all text has been synthesised,
	// on the first synthesis error, or when ctx is cancelled. The caller must
	// drain it.
	//
	// Returns a non-nil error only if the stream cannot be started.
	SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (Stream, error)

	// ListVoices returns the voices this engine can speak with.
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// Format is the PCM format of every chunk the provider emits.
	Format() audio.Format
}

// Stream is one synthesis in progress.
type Stream interface {
	// Audio delivers PCM chunks. Closed when the stream ends.
	Audio() <-chan []byte

	// Err reports why the stream ended early. Only meaningful after Audio is
	// closed; nil after a complete synthesis or a cancellation.
	Err() error
}

// Pipe is a [Stream] fed by its producer. Engines and test doubles use it to
// hand audio to consumers.
type Pipe struct {
	audio chan []byte
	once  sync.Once

	mu  sync.Mutex
	err error
}

// NewPipe returns a Pipe whose audio channel buffers n chunks.
func NewPipe(n int) *Pipe {
	return &Pipe{audio: make(chan []byte, n)}
}

// Audio implements [Stream].
func (p *Pipe) Audio() <-chan []byte { return p.audio }

// Err implements [Stream].
func (p *Pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Send delivers chunk, blocking until it is consumed into the buffer or ctx
// is done. It reports false when ctx ended first.
func (p *Pipe) Send(ctx context.Context, chunk []byte) bool {
	select {
	case p.audio <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream with err, which may be nil. Later calls are no-ops.
func (p *Pipe) Close(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.audio)
	})
}

// Sentences accumulates text fragments from in and emits each complete
// sentence on the returned channel; the remainder is flushed when in closes.
// A sentence ends at '.', '!' or '?' followed by whitespace, so "3.14" and
// "Dr.Who" are not split.
func Sentences(ctx context.Context, in <-chan string) <-chan string {
	out := make(chan string, 4)
	go func() {
		defer close(out)
		var buf strings.Builder
		emit := func(s string) bool {
			s = strings.TrimSpace(s)
			if s == "" {
				return true
			}
			select {
			case out <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case fragment, ok := <-in:
				if !ok {
					emit(buf.String())
					return
				}
				buf.WriteString(fragment)
				for {
					s := buf.String()
					idx := sentenceBoundary(s)
					if idx < 0 {
						break
					}
					buf.Reset()
					buf.WriteString(s[idx+1:])
					if !emit(s[:idx+1]) {
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// sentenceBoundary returns the index of the first sentence terminator that is
// followed by whitespace, or -1. A terminator at the very end of s is not a
// boundary yet because more fragments may follow.
func sentenceBoundary(s string) int {
	for i := 0; i+1 < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if unicode.IsSpace(rune(s[i+1])) {
				return i
			}
		}
	}
	return -1
}
