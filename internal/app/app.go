// Package app wires the parley subsystems into a running host process.
//
// The App struct owns the full lifecycle: New builds the engine chains, the
// shared audio devices and the remote transport factory from the config,
// StartSession runs one conversation at a time, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithPathFactory,
// WithDescriptorSource, etc.). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/webrtc"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Engine is one named entry of an engine failover chain.
type Engine[T any] struct {
	Name     string
	Provider T
}

// Providers holds the devices and engines built by main.go via the config
// registry. Each engine slice is a failover chain in priority order; an empty
// chain leaves the local fallback path without that capability.
type Providers struct {
	Audio config.AudioDevices
	STT   []Engine[stt.Provider]
	TTS   []Engine[tts.Provider]
	LLM   []Engine[llm.Provider]
}

// PathFactory builds the two conversation paths for a new session. Either
// may be nil when that path is not available.
type PathFactory func() (remote, fallback session.Path)

// App owns all subsystem lifetimes and hosts conversation sessions.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics     *observe.Metrics
	descriptors DescriptorSource
	paths       PathFactory
	now         func() time.Time

	// Subsystems, initialised in New and torn down in Shutdown.
	mic        *audio.ExclusiveMicrophone
	recognizer *resilience.STTFallback
	voice      *resilience.TTSFallback
	model      *resilience.LLMFallback
	synth      *tts.Synthesizer

	mu       sync.Mutex
	echo     session.EchoConfig
	turn     session.TurnConfig
	sessions *sessionTable
	wg       sync.WaitGroup

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithPathFactory replaces the remote and fallback paths built from config.
func WithPathFactory(f PathFactory) Option {
	return func(a *App) { a.paths = f }
}

// WithDescriptorSource injects the collaborator that mints session
// descriptors instead of an HTTP client built from descriptor.url.
func WithDescriptorSource(s DescriptorSource) Option {
	return func(a *App) { a.descriptors = s }
}

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces time.Now for session bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		echo:      echoConfig(cfg.Echo),
		turn:      turnConfig(cfg.Turn),
		sessions:  newSessionTable(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.now == nil {
		a.now = time.Now
	}

	// ── 1. Audio devices ─────────────────────────────────────────────────
	if mic := providers.Audio.Microphone; mic != nil {
		a.mic = audio.Exclusive(mic)
	}

	// ── 2. Engine chains ─────────────────────────────────────────────────
	a.initEngines()

	// ── 3. Descriptor collaborator ───────────────────────────────────────
	if a.descriptors == nil && cfg.Descriptor.URL != "" {
		a.descriptors = NewDescriptorClient(cfg.Descriptor)
	}

	// ── 4. Conversation paths ────────────────────────────────────────────
	if a.paths == nil {
		a.paths = a.defaultPaths
	}

	slog.Info("app initialised",
		"remote", !cfg.Remote.Disabled,
		"fallback", !cfg.Fallback.Disabled,
		"stt", engineNames(providers.STT),
		"tts", engineNames(providers.TTS),
		"llm", engineNames(providers.LLM),
	)
	return a, nil
}

// initEngines wraps each configured chain in a resilience fallback group.
func (a *App) initEngines() {
	fb := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  a.cfg.Fallback.CircuitBreaker.MaxFailures,
		ResetTimeout: a.cfg.Fallback.CircuitBreaker.ResetTimeout,
		HalfOpenMax:  a.cfg.Fallback.CircuitBreaker.HalfOpenMax,
		OnStateChange: func(engine string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), engine, to.String())
		},
	}}

	if chain := a.providers.STT; len(chain) > 0 {
		a.recognizer = resilience.NewSTTFallback(chain[0].Provider, chain[0].Name, fb)
		for _, e := range chain[1:] {
			a.recognizer.AddFallback(e.Name, e.Provider)
		}
		addClosers(a, chain)
	}
	if chain := a.providers.TTS; len(chain) > 0 {
		a.voice = resilience.NewTTSFallback(chain[0].Provider, chain[0].Name, fb)
		for _, e := range chain[1:] {
			a.voice.AddFallback(e.Name, e.Provider)
		}
		addClosers(a, chain)
		if a.providers.Audio.Speaker != nil {
			a.synth = tts.NewSynthesizer(a.voice, a.providers.Audio.Speaker, synthConfig(a.cfg.Fallback))
		}
	}
	if chain := a.providers.LLM; len(chain) > 0 {
		a.model = resilience.NewLLMFallback(chain[0].Provider, chain[0].Name, fb)
		for _, e := range chain[1:] {
			a.model.AddFallback(e.Name, e.Provider)
		}
		addClosers(a, chain)
	}
}

// addClosers registers Close for every engine that has one (the on-device
// whisper model, for instance).
func addClosers[T any](a *App, chain []Engine[T]) {
	for _, e := range chain {
		if c, ok := any(e.Provider).(interface{ Close() error }); ok {
			a.closers = append(a.closers, c.Close)
		}
	}
}

// defaultPaths builds fresh remote and fallback paths from the config and the
// shared devices and engines.
func (a *App) defaultPaths() (remote, fallback session.Path) {
	if !a.cfg.Remote.Disabled && a.mic != nil && a.providers.Audio.Speaker != nil {
		remote = session.NewRemotePath(a.newTransport)
	}
	if !a.cfg.Fallback.Disabled && a.mic != nil && a.recognizer != nil && a.synth != nil && a.model != nil {
		fallback = a.newFallbackPath()
	}
	return remote, fallback
}

func (a *App) newTransport() session.Transport {
	opts := []webrtc.Option{webrtc.WithNegotiationTimeout(a.cfg.Remote.NegotiationTimeout)}
	if a.cfg.Remote.Endpoint != "" {
		opts = append(opts, webrtc.WithEndpoint(a.cfg.Remote.Endpoint))
	}
	if len(a.cfg.Remote.STUNServers) > 0 {
		opts = append(opts, webrtc.WithSTUNServers(a.cfg.Remote.STUNServers...))
	}
	return webrtc.New(a.mic, a.providers.Audio.Speaker, opts...)
}

func (a *App) newFallbackPath() *session.FallbackPath {
	fc := a.cfg.Fallback
	var window *session.ContextWindow
	if fc.ContextTokens > 0 {
		window = session.NewContextWindow(session.ContextWindowConfig{
			MaxTokens:  fc.ContextTokens,
			Summariser: session.NewLLMSummariser(a.model),
		})
	}
	responder := session.NewLLMResponder(a.model, session.LLMResponderConfig{
		Name:         a.providers.LLM[0].Name,
		SystemPrompt: fc.SystemPrompt,
		Window:       window,
		Metrics:      a.metrics,
	})
	return session.NewFallbackPath(session.FallbackDeps{
		Microphone:  a.mic,
		Recognizer:  a.recognizer,
		Synthesizer: a.synth,
		Responder:   responder,
	}, session.FallbackConfig{
		Greeting:        fc.Greeting,
		Language:        fc.Language,
		NoSpeechTimeout: fc.NoSpeechTimeout,
		Retry: session.RetryPolicy{
			MaxAttempts: fc.Retry.MaxAttempts,
			Backoff:     fc.Retry.Backoff,
			MaxBackoff:  fc.Retry.MaxBackoff,
		},
		Name:    a.providers.TTS[0].Name,
		Metrics: a.metrics,
	})
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a changed configuration.
// The echo filter of a live session is updated in place; voice changes take
// effect on the next utterance and turn defaults on the next session.
func (a *App) ApplyConfig(next *config.Config, diff config.ConfigDiff) {
	a.mu.Lock()
	if diff.EchoChanged {
		a.echo = echoConfig(next.Echo)
	}
	if diff.TurnChanged {
		a.turn = turnConfig(next.Turn)
	}
	echo := a.echo
	a.mu.Unlock()

	if diff.EchoChanged {
		if hs := a.sessions.active(); hs != nil {
			hs.mgr.UpdateEcho(echo)
		}
		slog.Info("echo filter reloaded", "risk_phrases", len(echo.RiskPhrases))
	}
	if diff.VoiceChanged && a.synth != nil {
		a.synth.Configure(synthConfig(next.Fallback))
		slog.Info("voice settings reloaded")
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes need a restart to take effect", "sections", diff.RestartRequired)
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

// Checkers returns the readiness checks for the host. The devices are
// required by both paths; each local engine chain is optional, and the host
// is ready as long as either conversation path is usable.
func (a *App) Checkers() []health.Checker {
	var checks []health.Checker
	if a.mic != nil {
		checks = append(checks, health.FromProber("microphone", a.mic))
	} else {
		checks = append(checks, missing("microphone"))
	}
	if spk := a.providers.Audio.Speaker; spk != nil {
		checks = append(checks, health.Checker{Name: "speaker", Check: func(ctx context.Context) error {
			return audio.Probe(ctx, spk)
		}})
	} else {
		checks = append(checks, missing("speaker"))
	}

	local := []health.Checker{
		optional("stt", a.recognizer, a.recognizer != nil),
		optional("tts", a.voice, a.voice != nil),
		optional("llm", a.model, a.model != nil),
	}
	checks = append(checks, local...)

	remote := health.Checker{Name: "remote", Check: func(context.Context) error {
		if a.cfg.Remote.Disabled {
			return errors.New("disabled")
		}
		return nil
	}}
	fallback := health.Checker{Name: "fallback", Check: func(ctx context.Context) error {
		if a.cfg.Fallback.Disabled {
			return errors.New("disabled")
		}
		var errs []error
		for _, c := range local {
			if err := c.Check(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			}
		}
		return errors.Join(errs...)
	}}
	return append(checks, health.AnyOf("conversation", remote, fallback))
}

// optional returns a degrading check for an engine chain. p is only probed
// when configured is true.
func optional(name string, p health.Prober, configured bool) health.Checker {
	c := health.Checker{Name: name, Optional: true, Check: notConfigured}
	if configured {
		c.Check = p.Probe
	}
	return c
}

func notConfigured(context.Context) error { return errors.New("not configured") }

func missing(name string) health.Checker {
	return health.Checker{Name: name, Check: notConfigured}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the active session and tears down all subsystems. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End the conversation first so the devices are released.
		if hs := a.sessions.active(); hs != nil {
			if _, err := hs.end(ctx); err != nil {
				slog.Warn("session end error", "session_id", hs.id, "err", err)
			}
		}
		waited := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			shutdownErr = ctx.Err()
			return
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// echoConfig converts the echo config section into filter settings. Zero
// values keep the filter defaults.
func echoConfig(c config.EchoConfig) session.EchoConfig {
	out := session.DefaultEchoConfig()
	if len(c.RiskPhrases) > 0 {
		out.RiskPhrases = append([]string(nil), c.RiskPhrases...)
	}
	out.RiskPhrases = append(out.RiskPhrases, c.ExtraRiskPhrases...)
	out.MinChars = c.MinChars
	out.MinTypeTokenRatio = c.MinTypeTokenRatio
	if c.SelfReference != nil {
		out.SelfReference = *c.SelfReference
	}
	out.RecentAssistant = c.RecentAssistant
	out.SimilarityThreshold = c.SimilarityThreshold
	return out
}

// turnConfig converts the turn config section.
func turnConfig(c config.TurnConfig) session.TurnConfig {
	return session.TurnConfig{GuardDelay: c.GuardDelay, SkipGreeting: c.SkipGreeting}
}

// synthConfig converts the fallback voice settings.
func synthConfig(c config.FallbackConfig) tts.SynthConfig {
	return tts.SynthConfig{
		PreferredVoices: c.Voice.Preferred,
		Language:        c.Language,
		Rate:            c.Voice.Rate,
		Pitch:           c.Voice.Pitch,
		Volume:          c.Voice.Volume,
	}
}

func engineNames[T any](chain []Engine[T]) []string {
	names := make([]string, len(chain))
	for i, e := range chain {
		names[i] = e.Name
	}
	return names
}
