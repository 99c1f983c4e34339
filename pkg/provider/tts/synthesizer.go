package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

// SynthConfig controls how a [Synthesizer] speaks.
type SynthConfig struct {
	// PreferredVoices is a ranked list of voice names. Each entry matches a
	// voice whose name or ID contains it, case-insensitively.
	PreferredVoices []string

	// Language is used when no preferred voice matches (e.g. "en").
	Language string

	// Rate is the speaking rate (1.0 = normal). Zero means 1.0.
	Rate float64

	// Pitch shifts the voice pitch (0 = unchanged). Engines without pitch
	// control ignore it.
	Pitch float64

	// Volume scales the output (1.0 = unchanged). Zero means 1.0.
	Volume float64
}

// Hooks are invoked around one utterance.
type Hooks struct {
	// OnStart is called when the first audio reaches the speaker.
	OnStart func()

	// OnEnd is called exactly once when the utterance is over. err is nil
	// after complete playback or cancellation.
	OnEnd func(err error)
}

// Synthesizer speaks text through a local output device with a configured
// voice. Speak calls must not overlap.
type Synthesizer struct {
	provider Provider
	speaker  audio.Speaker

	mu    sync.Mutex
	cfg   SynthConfig
	voice *types.VoiceProfile
}

// NewSynthesizer returns a Synthesizer that renders with provider and plays
// through speaker.
func NewSynthesizer(provider Provider, speaker audio.Speaker, cfg SynthConfig) *Synthesizer {
	return &Synthesizer{provider: provider, speaker: speaker, cfg: cfg}
}

// Configure replaces the configuration. The voice is selected again on the
// next utterance.
func (s *Synthesizer) Configure(cfg SynthConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.voice = nil
}

// Probe checks the engine and the output device and that a voice is available.
func (s *Synthesizer) Probe(ctx context.Context) error {
	if s.provider == nil {
		return types.Unavailable("tts", errors.New("no synthesizer configured"))
	}
	if s.speaker == nil {
		return types.Unavailable("speaker", errors.New("no output device configured"))
	}
	if err := audio.Probe(ctx, s.provider); err != nil {
		return err
	}
	if err := audio.Probe(ctx, s.speaker); err != nil {
		return err
	}
	_, err := s.SelectVoice(ctx)
	return err
}

// SelectVoice returns the voice utterances are spoken with, with rate and
// pitch applied. The choice is cached until the next [Synthesizer.Configure].
func (s *Synthesizer) SelectVoice(ctx context.Context) (types.VoiceProfile, error) {
	s.mu.Lock()
	if s.voice != nil {
		v := *s.voice
		s.mu.Unlock()
		return v, nil
	}
	cfg := s.cfg
	s.mu.Unlock()

	voices, err := s.provider.ListVoices(ctx)
	if err != nil {
		return types.VoiceProfile{}, types.Unavailable("tts:voices", err)
	}
	v, ok := pickVoice(voices, cfg.PreferredVoices, cfg.Language)
	if !ok {
		return types.VoiceProfile{}, types.Unavailable("tts:voices", errors.New("engine reports no voices"))
	}
	v.SpeedFactor = cfg.Rate
	if v.SpeedFactor <= 0 {
		v.SpeedFactor = 1
	}
	v.PitchShift = cfg.Pitch
	slog.Debug("tts: selected voice", "voice", v.Name, "provider", v.Provider)

	s.mu.Lock()
	s.voice = &v
	s.mu.Unlock()
	return v, nil
}

// pickVoice ranks voices by the preferred name list, then by language, then
// takes the first voice.
func pickVoice(voices []types.VoiceProfile, preferred []string, lang string) (types.VoiceProfile, bool) {
	for _, want := range preferred {
		w := strings.ToLower(strings.TrimSpace(want))
		if w == "" {
			continue
		}
		for _, v := range voices {
			if strings.Contains(strings.ToLower(v.Name), w) || strings.Contains(strings.ToLower(v.ID), w) {
				return v, true
			}
		}
	}
	if lang != "" {
		l := strings.ToLower(lang)
		for _, v := range voices {
			if strings.HasPrefix(strings.ToLower(v.Language), l) {
				return v, true
			}
		}
	}
	if len(voices) == 0 {
		return types.VoiceProfile{}, false
	}
	return voices[0], true
}

// Speak renders text and plays it, blocking until playback has drained. Any
// failure is reported to h.OnEnd and returned wrapped in
// [types.ErrSynthesis]. When ctx is cancelled queued audio is discarded,
// h.OnEnd receives nil and Speak returns ctx.Err().
func (s *Synthesizer) Speak(ctx context.Context, text string, h Hooks) (err error) {
	defer func() {
		if h.OnEnd == nil {
			return
		}
		if ctx.Err() != nil {
			h.OnEnd(nil)
		} else {
			h.OnEnd(err)
		}
	}()

	voice, err := s.SelectVoice(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrSynthesis, err)
	}
	s.mu.Lock()
	volume := s.cfg.Volume
	s.mu.Unlock()
	if volume <= 0 {
		volume = 1
	}

	playback, err := s.speaker.Open(ctx, s.provider.Format())
	if err != nil {
		return fmt.Errorf("%w: open speaker: %w", types.ErrSynthesis, err)
	}
	defer playback.Close()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	in := make(chan string, 1)
	in <- text
	close(in)
	stream, err := s.provider.SynthesizeStream(streamCtx, in, voice)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrSynthesis, err)
	}

	started := false
	for chunk := range stream.Audio() {
		if !started {
			started = true
			if h.OnStart != nil {
				h.OnStart()
			}
		}
		audio.ApplyGain(chunk, volume)
		if werr := playback.Write(chunk); werr != nil {
			cancel()
			Drain(stream)
			return fmt.Errorf("%w: write: %w", types.ErrSynthesis, werr)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if serr := stream.Err(); serr != nil {
		return fmt.Errorf("%w: %w", types.ErrSynthesis, serr)
	}
	if derr := playback.Drain(ctx); derr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: drain: %w", types.ErrSynthesis, derr)
	}
	return nil
}

// Drain discards the rest of stream so its producer can exit.
func Drain(stream Stream) {
	audio.Drain(stream.Audio())
}
