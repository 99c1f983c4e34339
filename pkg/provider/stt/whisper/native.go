// This file contains the in-process engine. It links against the whisper.cpp
// static library (libwhisper.a) and headers, which must be reachable through
// LIBRARY_PATH and C_INCLUDE_PATH at build time.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

var _ stt.Provider = (*NativeProvider)(nil)

// modelSampleRate is the only input rate whisper.cpp models accept.
const modelSampleRate = 16000

// NativeProvider implements [stt.Provider] on the whisper.cpp cgo bindings.
// The model is loaded once and shared; each inference gets its own context.
type NativeProvider struct {
	model     whisperlib.Model
	modelPath string
	language  string

	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int

	// whisper.cpp contexts are heavy; serialise inference across sessions.
	inferMu sync.Mutex
}

// NativeOption is a functional option for configuring a [NativeProvider].
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the default recognition language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the default input sample rate in Hz.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeSilenceThresholdMs sets how much trailing silence ends an utterance.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs bounds the length of one utterance.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.maxBufferDurationMs = ms }
}

// NewNative loads the model at modelPath. The caller must Close the provider.
// A model that cannot be loaded is reported as a [types.CapabilityError].
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, types.Unavailable("stt:whisper-native", fmt.Errorf("load model %q: %w", modelPath, err))
	}

	p := &NativeProvider{
		model:               model,
		modelPath:           modelPath,
		language:            defaultLanguage,
		sampleRate:          defaultSampleRate,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Probe reports whether the model is loaded.
func (p *NativeProvider) Probe(context.Context) error {
	if p.model == nil {
		return types.Unavailable("stt:whisper-native", fmt.Errorf("model %q not loaded", p.modelPath))
	}
	return nil
}

// Close releases the model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// StartStream opens a new session.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	sc := newSegmentConfig(cfg, p.language, p.sampleRate, p.silenceThresholdMs, p.maxBufferDurationMs)
	return startSession(ctx, sc, p.infer), nil
}

// infer runs one batch transcription. whisper.cpp expects 16 kHz mono
// float32, so the utterance is converted first.
func (p *NativeProvider) infer(ctx context.Context, pcm []byte, sampleRate, channels int, language string) (string, error) {
	if channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	pcm = audio.Resample16(pcm, 1, sampleRate, modelSampleRate)
	samples := pcmToFloat32(pcm)

	p.inferMu.Lock()
	defer p.inferMu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", language, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// pcmToFloat32 converts s16le PCM to float32 samples in [-1, 1].
func pcmToFloat32(pcm []byte) []float32 {
	ints := audio.BytesToInt16s(pcm)
	out := make([]float32, len(ints))
	for i, s := range ints {
		out[i] = float32(s) / 32768.0
	}
	return out
}
