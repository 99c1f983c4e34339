// Package piper provides a TTS engine that runs the local piper binary
// (https://github.com/rhasspy/piper) as a subprocess. It implements
// [tts.Provider].
//
// Voices are piper ONNX models in a models directory, each with its
// "<name>.onnx.json" config next to it. Every sentence is synthesised by one
// piper process started with --output_raw, so audio streams to the caller while
// piper is still rendering. PCM is converted from the model's sample rate to
// the provider's output rate.
//
//	p, _ := piper.New("/var/lib/piper/voices", piper.WithDefaultVoice("en_US-amy-medium"))
//	stream, err := p.SynthesizeStream(ctx, textCh, voice)
package piper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

var _ tts.Provider = (*Provider)(nil)

const (
	defaultBinary     = "piper"
	defaultModelRate  = 22050
	defaultOutputRate = 22050

	readChunk    = 4096
	audioChanBuf = 64
)

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithBinary sets the piper executable. A bare name is looked up in PATH.
func WithBinary(path string) Option {
	return func(p *Provider) { p.binary = path }
}

// WithDefaultVoice names the model used when a voice ID does not match any
// installed model.
func WithDefaultVoice(name string) Option {
	return func(p *Provider) { p.defaultVoice = name }
}

// WithOutputSampleRate sets the sample rate of emitted PCM. Defaults to 22050.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.outputRate = rate
		}
	}
}

// Provider implements [tts.Provider] on the piper CLI.
type Provider struct {
	binary       string
	modelsDir    string
	defaultVoice string
	outputRate   int
}

// New creates a Provider serving the models in modelsDir. Nothing is checked
// until [Provider.Probe].
func New(modelsDir string, opts ...Option) (*Provider, error) {
	if modelsDir == "" {
		return nil, errors.New("piper: modelsDir must not be empty")
	}
	p := &Provider{
		binary:     defaultBinary,
		modelsDir:  modelsDir,
		outputRate: defaultOutputRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Format implements [tts.Provider].
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.outputRate, Channels: 1}
}

// Probe checks that the piper binary is executable and at least one voice is
// installed.
func (p *Provider) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return types.Unavailable("tts:piper", err)
	}
	voices, err := p.ListVoices(ctx)
	if err != nil {
		return types.Unavailable("tts:piper", err)
	}
	if len(voices) == 0 {
		return types.Unavailable("tts:piper", fmt.Errorf("no models in %s", p.modelsDir))
	}
	return nil
}

// modelConfig is the subset of a piper "<model>.onnx.json" file we read.
type modelConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
}

func readModelConfig(modelPath string) modelConfig {
	var cfg modelConfig
	data, err := os.ReadFile(modelPath + ".json")
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn("piper: invalid model config", "path", modelPath+".json", "err", err)
		}
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = defaultModelRate
	}
	return cfg
}

// ListVoices implements [tts.Provider]. Each "*.onnx" file is one voice.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	paths, err := filepath.Glob(filepath.Join(p.modelsDir, "*.onnx"))
	if err != nil {
		return nil, fmt.Errorf("piper: list models: %w", err)
	}
	sort.Strings(paths)
	voices := make([]types.VoiceProfile, 0, len(paths))
	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".onnx")
		cfg := readModelConfig(path)
		voices = append(voices, types.VoiceProfile{
			ID:       name,
			Name:     name,
			Provider: "piper",
			Language: strings.ReplaceAll(cfg.Language.Code, "_", "-"),
			Metadata: map[string]string{
				"model_path":  path,
				"sample_rate": strconv.Itoa(cfg.Audio.SampleRate),
			},
		})
	}
	return voices, nil
}

// resolveModel returns the model path for voice, falling back to the default
// voice and then to the first installed model.
func (p *Provider) resolveModel(voice types.VoiceProfile) (string, error) {
	for _, name := range []string{voice.ID, p.defaultVoice} {
		if name == "" {
			continue
		}
		path := filepath.Join(p.modelsDir, name+".onnx")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	paths, _ := filepath.Glob(filepath.Join(p.modelsDir, "*.onnx"))
	if len(paths) == 0 {
		return "", fmt.Errorf("piper: no model for voice %q in %s", voice.ID, p.modelsDir)
	}
	sort.Strings(paths)
	return paths[0], nil
}

// SynthesizeStream implements [tts.Provider]. Sentences are rendered one after
// another; the stream ends with an error if a piper process fails.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (tts.Stream, error) {
	model, err := p.resolveModel(voice)
	if err != nil {
		return nil, err
	}
	cfg := readModelConfig(model)

	args := []string{"--model", model, "--output_raw"}
	if voice.SpeedFactor > 0 && voice.SpeedFactor != 1 {
		// length_scale is the inverse of the speaking rate.
		args = append(args, "--length_scale", strconv.FormatFloat(1/voice.SpeedFactor, 'f', 3, 64))
	}

	out := tts.NewPipe(audioChanBuf)
	go func() {
		for sentence := range tts.Sentences(ctx, text) {
			if err := p.run(ctx, args, sentence, cfg.Audio.SampleRate, out); err != nil {
				if ctx.Err() != nil {
					out.Close(nil)
				} else {
					out.Close(err)
				}
				return
			}
		}
		out.Close(nil)
	}()
	return out, nil
}

// run synthesises one sentence, streaming piper's stdout into out.
func (p *Provider) run(ctx context.Context, args []string, sentence string, modelRate int, out *tts.Pipe) error {
	cmd := exec.CommandContext(ctx, p.binary, args...)
	cmd.Stdin = strings.NewReader(sentence + "\n")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piper: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("piper: start %s: %w", p.binary, err)
	}

	buf := make([]byte, readChunk)
	var carry []byte
	for {
		n, rerr := stdout.Read(buf)
		if n > 0 {
			pcm := append(carry, buf[:n]...)
			// Keep an odd trailing byte for the next read.
			even := len(pcm) &^ 1
			carry = append([]byte(nil), pcm[even:]...)
			if even > 0 {
				chunk := audio.Resample16(pcm[:even], 1, modelRate, p.outputRate)
				if !out.Send(ctx, append([]byte(nil), chunk...)) {
					_ = cmd.Wait()
					return ctx.Err()
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = cmd.Wait()
			return fmt.Errorf("piper: read output: %w", rerr)
		}
	}

	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("piper: %w: %s", err, msg)
		}
		return fmt.Errorf("piper: %w", err)
	}
	return nil
}
