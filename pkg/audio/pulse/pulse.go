// Package pulse implements [audio.Microphone] and [audio.Speaker] on top of a
// PulseAudio (or PipeWire-pulse) server.
//
// PulseAudio exposes no per-stream echo cancellation, noise suppression or
// gain switches. A capture that asks for echo cancellation is therefore bound
// to the echo-cancel source created by module-echo-cancel; when no such
// source exists the open is rejected with [audio.ErrConstraints] so the caller
// can fall back to relaxed constraints and the default source.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultAppName    = "parley"
	defaultSampleRate = 48000
	echoCancelMarker  = "echo-cancel"
)

// Option configures a [Microphone] or [Speaker].
type Option func(*settings)

// WithDevice pins the stream to the source or sink whose name contains id.
func WithDevice(id string) Option {
	return func(s *settings) { s.device = id }
}

// WithApplicationName sets the client name shown in the sound server.
func WithApplicationName(name string) Option {
	return func(s *settings) { s.appName = name }
}

type settings struct {
	appName string
	device  string
}

func newSettings(opts []Option) settings {
	s := settings{appName: defaultAppName}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// Microphone captures from a PulseAudio source.
type Microphone struct {
	settings
}

// Speaker plays to a PulseAudio sink.
type Speaker struct {
	settings
}

var (
	_ audio.Microphone = (*Microphone)(nil)
	_ audio.Speaker    = (*Speaker)(nil)
	_ audio.Prober     = (*Microphone)(nil)
	_ audio.Prober     = (*Speaker)(nil)
)

// NewMicrophone returns a Microphone. No connection is made until Open or Probe.
func NewMicrophone(opts ...Option) *Microphone {
	return &Microphone{settings: newSettings(opts)}
}

// NewSpeaker returns a Speaker. No connection is made until Open or Probe.
func NewSpeaker(opts ...Option) *Speaker {
	return &Speaker{settings: newSettings(opts)}
}

func (d settings) connect(icon string) (*pulse.Client, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName(d.appName),
		pulse.ClientApplicationIconName(icon),
	)
	if err != nil {
		return nil, types.Unavailable("pulseaudio", err)
	}
	return client, nil
}

// Probe checks that the sound server is reachable and has a capture source.
func (d *Microphone) Probe(_ context.Context) error {
	client, err := d.connect("audio-input-microphone")
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.DefaultSource(); err != nil {
		return &types.MicrophoneError{Cause: types.MicNotFound, Err: err}
	}
	return nil
}

// Probe checks that the sound server is reachable and has an output sink.
func (d *Speaker) Probe(_ context.Context) error {
	client, err := d.connect("audio-speakers")
	if err != nil {
		return err
	}
	defer client.Close()

	if _, err := client.DefaultSink(); err != nil {
		return types.Unavailable("audio output", err)
	}
	return nil
}

// ─── Capture ─────────────────────────────────────────────────────────────────

// Open implements [audio.Microphone].
func (d *Microphone) Open(ctx context.Context, c audio.Constraints) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := d.connect("audio-input-microphone")
	if err != nil {
		return nil, err
	}

	source, err := d.resolveSource(client, c)
	if err != nil {
		client.Close()
		return nil, err
	}

	format := audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if format.SampleRate == 0 {
		format.SampleRate = defaultSampleRate
	}
	if format.Channels != 2 {
		format.Channels = 1
	}

	capture := &capture{
		client: client,
		format: format,
		frames: make(chan audio.AudioFrame, 64),
		framer: audio.NewFramer(format.FrameBytes(audio.OpusFrameTime)),
	}

	channelOpt := pulse.RecordMono
	if format.Channels == 2 {
		channelOpt = pulse.RecordStereo
	}
	writer := pulse.NewWriter(writerFunc(capture.onPCM), pulseproto.FormatInt16LE)
	stream, err := client.NewRecord(
		writer,
		pulse.RecordSource(source),
		channelOpt,
		pulse.RecordSampleRate(format.SampleRate),
		pulse.RecordBufferFragmentSize(uint32(format.FrameBytes(audio.OpusFrameTime))),
		pulse.RecordMediaName("parley conversation"),
	)
	if err != nil {
		client.Close()
		return nil, &types.MicrophoneError{Cause: causeOf(err), Err: fmt.Errorf("pulse: create record stream: %w", err)}
	}
	capture.stream = stream
	stream.Start()

	slog.Debug("pulse: capture started", "source", source.ID(), "format", format)
	return capture, nil
}

func (d *Microphone) resolveSource(client *pulse.Client, c audio.Constraints) (*pulse.Source, error) {
	if c.EchoCancellation {
		name, err := findSource(client, echoCancelMarker)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("pulse: no %s source loaded: %w", echoCancelMarker, audio.ErrConstraints)
		}
		return sourceByID(client, name)
	}
	if d.device != "" {
		name, err := findSource(client, d.device)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, &types.MicrophoneError{Cause: types.MicNotFound, Err: fmt.Errorf("pulse: source %q not found", d.device)}
		}
		return sourceByID(client, name)
	}
	source, err := client.DefaultSource()
	if err != nil {
		return nil, &types.MicrophoneError{Cause: types.MicNotFound, Err: fmt.Errorf("pulse: default source: %w", err)}
	}
	return source, nil
}

func sourceByID(client *pulse.Client, name string) (*pulse.Source, error) {
	source, err := client.SourceByID(name)
	if err != nil {
		return nil, &types.MicrophoneError{Cause: types.MicNotFound, Err: fmt.Errorf("pulse: resolve source %q: %w", name, err)}
	}
	return source, nil
}

// findSource returns the name of the first capture source (monitors excluded)
// whose name contains term, or "" when none matches.
func findSource(client *pulse.Client, term string) (string, error) {
	var infos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &infos); err != nil {
		return "", types.Unavailable("pulseaudio", fmt.Errorf("list sources: %w", err))
	}
	term = strings.ToLower(term)
	for _, info := range infos {
		if info == nil || strings.HasSuffix(info.SourceName, ".monitor") {
			continue
		}
		if strings.Contains(strings.ToLower(info.SourceName), term) {
			return info.SourceName, nil
		}
	}
	return "", nil
}

// causeOf maps a stream creation error to a microphone cause.
func causeOf(err error) types.MicrophoneCause {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return types.MicPermissionDenied
	case strings.Contains(msg, "no such entity"):
		return types.MicNotFound
	case strings.Contains(msg, "busy"):
		return types.MicInUse
	default:
		return types.MicUnknown
	}
}

type capture struct {
	client *pulse.Client
	stream *pulse.RecordStream
	format audio.Format
	frames chan audio.AudioFrame

	mu      sync.Mutex
	framer  *audio.Framer
	elapsed int
	closed  bool
	dropped int
}

func (c *capture) Frames() <-chan audio.AudioFrame { return c.frames }

func (c *capture) Format() audio.Format { return c.format }

// onPCM receives raw record data and emits fixed 20 ms frames. Frames are
// dropped rather than blocking the sound server when the consumer lags.
func (c *capture) onPCM(buf []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.EOF
	}
	for _, data := range c.framer.Push(buf) {
		frame := audio.AudioFrame{
			Data:       data,
			SampleRate: c.format.SampleRate,
			Channels:   c.format.Channels,
			Timestamp:  c.format.DurationOf(c.elapsed),
		}
		c.elapsed += len(data)
		select {
		case c.frames <- frame:
		default:
			c.dropped++
			if c.dropped == 1 || c.dropped%100 == 0 {
				slog.Warn("pulse: capture consumer is slow, dropping frames", "dropped", c.dropped)
			}
		}
	}
	return len(buf), nil
}

func (c *capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.frames)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	c.client.Close()
	return nil
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) { return f(b) }

// ─── Playback ────────────────────────────────────────────────────────────────

// ErrPlaybackClosed is returned by writes after Close or Drain.
var ErrPlaybackClosed = errors.New("pulse: playback closed")

// Open implements [audio.Speaker].
func (d *Speaker) Open(ctx context.Context, f audio.Format) (audio.Playback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := d.connect("audio-speakers")
	if err != nil {
		return nil, err
	}

	p := &playback{client: client}
	opts := []pulse.PlaybackOption{
		pulse.PlaybackSampleRate(f.SampleRate),
		pulse.PlaybackLatency(0.05),
		pulse.PlaybackMediaName("parley voice"),
	}
	if f.Channels == 2 {
		opts = append(opts, pulse.PlaybackStereo)
	} else {
		opts = append(opts, pulse.PlaybackMono)
	}
	if d.device != "" {
		sink, err := client.SinkByID(d.device)
		if err != nil {
			client.Close()
			return nil, types.Unavailable("audio output", fmt.Errorf("pulse: sink %q: %w", d.device, err))
		}
		opts = append(opts, pulse.PlaybackSink(sink))
	}

	stream, err := client.NewPlayback(pulse.Int16Reader(p.read), opts...)
	if err != nil {
		client.Close()
		return nil, types.Unavailable("audio output", fmt.Errorf("pulse: create playback stream: %w", err))
	}
	p.stream = stream
	stream.Start()
	return p, nil
}

type playback struct {
	client *pulse.Client
	stream *pulse.PlaybackStream

	mu        sync.Mutex
	queue     []int16
	finishing bool
	closed    bool
}

// read feeds the sound server. While the queue is empty and more audio may
// still arrive it plays silence; once draining it signals end of data.
func (p *playback) read(buf []int16) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, pulse.EndOfData
	}
	n := copy(buf, p.queue)
	p.queue = p.queue[n:]
	if len(p.queue) == 0 && p.finishing {
		return n, pulse.EndOfData
	}
	if n < len(buf) && !p.finishing {
		clear(buf[n:])
		n = len(buf)
	}
	return n, nil
}

func (p *playback) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.finishing {
		return ErrPlaybackClosed
	}
	p.queue = append(p.queue, audio.BytesToInt16s(pcm)...)
	return nil
}

func (p *playback) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPlaybackClosed
	}
	p.finishing = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.stream.Drain()
		close(done)
	}()
	select {
	case <-done:
		return p.stream.Error()
	case <-ctx.Done():
		_ = p.Close()
		return ctx.Err()
	}
}

func (p *playback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()

	p.stream.Stop()
	p.stream.Close()
	p.client.Close()
	return nil
}
