package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// DefaultGreeting opens a fallback conversation when no greeting is
// configured.
const DefaultGreeting = "Hello, welcome to your interview. Let's start with you telling me a little about yourself."

// recognitionFormat is what local recognizers are fed.
var recognitionFormat = audio.Format{SampleRate: 16000, Channels: 1}

// Synthesizer speaks the assistant's turns on the fallback path.
// *tts.Synthesizer satisfies it.
type Synthesizer interface {
	Speak(ctx context.Context, text string, h tts.Hooks) error
}

var _ Synthesizer = (*tts.Synthesizer)(nil)

// FallbackDeps are the local engines behind a [FallbackPath].
type FallbackDeps struct {
	Microphone  audio.Microphone
	Recognizer  stt.Provider
	Synthesizer Synthesizer
	Responder   Responder
}

// FallbackConfig tunes a [FallbackPath].
type FallbackConfig struct {
	// Greeting is spoken as the opening turn. Defaults to [DefaultGreeting].
	Greeting string

	// Language is passed to the recognizer (e.g. "en-US").
	Language string

	// NoSpeechTimeout restarts a recognition stream that heard nothing for
	// this long. Zero leaves it to the engine.
	NoSpeechTimeout time.Duration

	// Retry bounds recognizer restarts after errors.
	Retry RetryPolicy

	// Name labels the synthesizer in metrics.
	Name string

	Metrics *observe.Metrics
}

// FallbackPath holds the conversation with local engines: the microphone
// feeds a supervised recognizer, a [Responder] writes the assistant's turns
// and a [Synthesizer] speaks them.
type FallbackPath struct {
	deps FallbackDeps
	cfg  FallbackConfig

	mu      sync.Mutex
	capture audio.Capture
	rec     *recognizer
	cancel  context.CancelFunc
	muted   bool
	gated   bool
	closed  bool
	emit    Emit

	wg sync.WaitGroup
}

var _ Path = (*FallbackPath)(nil)

// NewFallbackPath returns an unopened fallback path.
func NewFallbackPath(deps FallbackDeps, cfg FallbackConfig) *FallbackPath {
	if cfg.Greeting == "" {
		cfg.Greeting = DefaultGreeting
	}
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &FallbackPath{deps: deps, cfg: cfg}
}

// Open implements [Path]. It checks every local engine, acquires the
// microphone and starts recognition.
func (p *FallbackPath) Open(ctx context.Context, _ types.SessionDescriptor, emit Emit) error {
	if err := p.probe(ctx); err != nil {
		return err
	}

	capture, err := audio.AcquireMicrophone(ctx, p.deps.Microphone)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.capture != nil {
		_ = capture.Close()
		return errors.New("fallback: path already used")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.capture, p.cancel, p.emit = capture, cancel, emit
	p.rec = newRecognizer(p.deps.Recognizer, stt.StreamConfig{
		SampleRate:      recognitionFormat.SampleRate,
		Channels:        recognitionFormat.Channels,
		Language:        p.cfg.Language,
		NoSpeechTimeout: p.cfg.NoSpeechTimeout,
	}, p.cfg.Retry, emit, p.cfg.Metrics)
	p.rec.setPaused(p.muted || p.gated)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.rec.run(runCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.pump(runCtx, capture, p.rec)
	}()
	return nil
}

// probe checks the engines concurrently without acquiring them.
func (p *FallbackPath) probe(ctx context.Context) error {
	switch {
	case p.deps.Microphone == nil:
		return &types.MicrophoneError{Cause: types.MicNotFound, Err: errors.New("no microphone configured")}
	case p.deps.Recognizer == nil:
		return types.Unavailable("stt", errors.New("no recognizer configured"))
	case p.deps.Synthesizer == nil:
		return types.Unavailable("tts", errors.New("no synthesizer configured"))
	case p.deps.Responder == nil:
		return types.Unavailable("llm", errors.New("no responder configured"))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return audio.Probe(gctx, p.deps.Microphone) })
	g.Go(func() error { return asCapability("stt", audio.Probe(gctx, p.deps.Recognizer)) })
	g.Go(func() error { return asCapability("tts", audio.Probe(gctx, p.deps.Synthesizer)) })
	g.Go(func() error { return asCapability("llm", audio.Probe(gctx, p.deps.Responder)) })
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// asCapability marks err as a missing capability unless it already carries
// a classification.
func asCapability(name string, err error) error {
	if err == nil ||
		errors.Is(err, types.ErrCapabilityUnavailable) ||
		errors.Is(err, types.ErrMicrophoneUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.Unavailable(name, err)
}

// pump feeds captured audio to the recognizer in the format it expects.
func (p *FallbackPath) pump(ctx context.Context, capture audio.Capture, rec *recognizer) {
	conv := audio.FormatConverter{Target: recognitionFormat}
	frames := capture.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if f := conv.Convert(frame); len(f.Data) > 0 {
				rec.send(f.Data)
			}
		}
	}
}

// Respond implements [Path]. An empty history speaks the greeting.
func (p *FallbackPath) Respond(ctx context.Context, history []types.Message) error {
	p.mu.Lock()
	emit := p.emit
	p.mu.Unlock()
	if emit == nil {
		return errors.New("fallback: path not open")
	}

	if len(history) == 0 {
		emit(Event{Kind: FinalUtterance, Role: RoleAssistant, Text: p.cfg.Greeting})
		return p.speak(ctx, emit, p.cfg.Greeting)
	}

	emit(Event{Kind: ThinkingStarted})
	reply, err := p.deps.Responder.Reply(ctx, history)
	emit(Event{Kind: ThinkingEnded})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(Event{Kind: Faulted, Err: err})
		return err
	}
	if reply == "" {
		return nil
	}

	emit(Event{Kind: FinalUtterance, Role: RoleAssistant, Text: reply})
	return p.speak(ctx, emit, reply)
}

func (p *FallbackPath) speak(ctx context.Context, emit Emit, text string) error {
	start := time.Now()
	err := p.deps.Synthesizer.Speak(ctx, text, tts.Hooks{
		OnStart: func() {
			p.cfg.Metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
			emit(Event{Kind: SpeechStarted})
		},
		OnEnd: func(err error) {
			emit(Event{Kind: SpeechEnded, Err: err})
		},
	})
	if err != nil && ctx.Err() == nil {
		p.cfg.Metrics.RecordProviderError(ctx, p.cfg.Name, "tts")
		return err
	}
	return nil
}

// SetMuted implements [Path]. Recognition stops while muted.
func (p *FallbackPath) SetMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.muted = muted
	p.applyLocked()
}

// SetGated implements [Path]. Recognition stops while the assistant speaks
// so its voice is not transcribed as the user's.
func (p *FallbackPath) SetGated(gated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gated = gated
	p.applyLocked()
}

func (p *FallbackPath) applyLocked() {
	if p.rec != nil {
		p.rec.setPaused(p.muted || p.gated)
	}
}

// Close implements [Path]. It stops recognition and releases the microphone.
func (p *FallbackPath) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	capture := p.capture
	p.mu.Unlock()

	var err error
	if capture != nil {
		err = capture.Close()
	}
	p.wg.Wait()
	return err
}
