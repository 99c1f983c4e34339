package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// TTSFallback implements [tts.Provider] with automatic failover across several
// synthesis engines (piper, then coqui). Each engine has its own circuit
// breaker.
//
// Every engine's output is converted to the primary's [tts.Provider.Format], so
// consumers see a single format regardless of which engine spoke.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred engine.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis engine.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Format is the primary engine's output format.
func (f *TTSFallback) Format() audio.Format {
	return f.group.Primary().Format()
}

// SynthesizeStream starts synthesis on the first healthy engine. Only stream
// setup fails over; the text channel is consumed by whichever engine started,
// so a mid-stream failure is reported by [tts.Stream.Err].
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (tts.Stream, error) {
	want := f.Format()
	return ExecuteWithResult(f.group, func(p tts.Provider) (tts.Stream, error) {
		s, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if got := p.Format(); got != want {
			return convertStream(ctx, s, got, want), nil
		}
		return s, nil
	})
}

// ListVoices returns the voices of the first engine that can list them.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

// Probe reports whether any engine in the chain is usable.
func (f *TTSFallback) Probe(ctx context.Context) error {
	return Probe(ctx, f.group, func(ctx context.Context, p tts.Provider) error {
		return audio.Probe(ctx, p)
	})
}

// convertStream re-encodes every chunk of s from one PCM format to another.
func convertStream(ctx context.Context, s tts.Stream, from, to audio.Format) tts.Stream {
	conv := &audio.FormatConverter{Target: to}
	out := tts.NewPipe(4)
	go func() {
		for chunk := range s.Audio() {
			frame := conv.Convert(audio.AudioFrame{Data: chunk, SampleRate: from.SampleRate, Channels: from.Channels})
			if frame.Data == nil {
				continue
			}
			if !out.Send(ctx, frame.Data) {
				// Drain so the producer can finish.
				for range s.Audio() {
				}
				out.Close(nil)
				return
			}
		}
		out.Close(s.Err())
	}()
	return out
}
