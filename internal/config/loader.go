package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known engine names per engine kind.
// Used by [Validate] to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "ollama", "llamacpp", "llamafile", "anthropic"},
	"stt":   {"whisper-native", "whisper"},
	"tts":   {"piper", "coqui"},
	"audio": {"pulse"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Descriptor collaborator
	if cfg.Descriptor.URL != "" {
		if err := validateHTTPURL(cfg.Descriptor.URL); err != nil {
			errs = append(errs, fmt.Errorf("descriptor.url: %w", err))
		}
	}
	if cfg.Descriptor.Timeout < 0 {
		errs = append(errs, errors.New("descriptor.timeout must not be negative"))
	}

	validateProviderName("audio", cfg.Audio.Backend)

	// Remote
	if cfg.Remote.Endpoint != "" {
		if err := validateHTTPURL(cfg.Remote.Endpoint); err != nil {
			errs = append(errs, fmt.Errorf("remote.endpoint: %w", err))
		}
	}
	for i, s := range cfg.Remote.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			errs = append(errs, fmt.Errorf("remote.stun_servers[%d] %q must be a stun:, turn: or turns: URL", i, s))
		}
	}
	if cfg.Remote.NegotiationTimeout < 0 {
		errs = append(errs, errors.New("remote.negotiation_timeout must not be negative"))
	}

	// Paths
	if cfg.Remote.Disabled && cfg.Fallback.Disabled {
		errs = append(errs, errors.New("remote and fallback are both disabled; no session could ever start"))
	}

	// Fallback engines
	if !cfg.Fallback.Disabled {
		errs = append(errs, validateChain("fallback.stt", "stt", cfg.Fallback.STT)...)
		errs = append(errs, validateChain("fallback.tts", "tts", cfg.Fallback.TTS)...)
		errs = append(errs, validateChain("fallback.llm", "llm", cfg.Fallback.LLM)...)
		if len(cfg.Fallback.STT) == 0 || len(cfg.Fallback.TTS) == 0 || len(cfg.Fallback.LLM) == 0 {
			slog.Warn("fallback engines incomplete; local sessions will fail the capability check",
				"stt", len(cfg.Fallback.STT),
				"tts", len(cfg.Fallback.TTS),
				"llm", len(cfg.Fallback.LLM),
			)
		}
	}
	v := cfg.Fallback.Voice
	if v.Rate != 0 && (v.Rate < 0.5 || v.Rate > 2.0) {
		errs = append(errs, fmt.Errorf("fallback.voice.rate %.2f is out of range [0.5, 2.0]", v.Rate))
	}
	if v.Pitch < -10 || v.Pitch > 10 {
		errs = append(errs, fmt.Errorf("fallback.voice.pitch %.2f is out of range [-10, 10]", v.Pitch))
	}
	if v.Volume < 0 || v.Volume > 2 {
		errs = append(errs, fmt.Errorf("fallback.voice.volume %.2f is out of range [0, 2]", v.Volume))
	}
	if cfg.Fallback.NoSpeechTimeout < 0 {
		errs = append(errs, errors.New("fallback.no_speech_timeout must not be negative"))
	}
	if cfg.Fallback.ContextTokens < 0 {
		errs = append(errs, errors.New("fallback.context_tokens must not be negative"))
	}
	if r := cfg.Fallback.Retry; r.MaxAttempts < 0 || r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("fallback.retry values must not be negative"))
	} else if r.MaxBackoff > 0 && r.Backoff > r.MaxBackoff {
		errs = append(errs, fmt.Errorf("fallback.retry.backoff %s exceeds max_backoff %s", r.Backoff, r.MaxBackoff))
	}

	// Echo
	e := cfg.Echo
	if e.MinChars < 0 {
		errs = append(errs, errors.New("echo.min_chars must not be negative"))
	}
	if e.MinTypeTokenRatio < 0 || e.MinTypeTokenRatio > 1 {
		errs = append(errs, fmt.Errorf("echo.min_type_token_ratio %.2f is out of range [0, 1]", e.MinTypeTokenRatio))
	}
	if e.SimilarityThreshold < 0 || e.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("echo.similarity_threshold %.2f is out of range [0, 1]", e.SimilarityThreshold))
	}
	if e.RecentAssistant < 0 {
		errs = append(errs, errors.New("echo.recent_assistant must not be negative"))
	}
	for i, p := range append(slices.Clone(e.RiskPhrases), e.ExtraRiskPhrases...) {
		if strings.TrimSpace(p) == "" {
			errs = append(errs, fmt.Errorf("echo risk phrase %d is empty", i))
		}
	}

	// Turn
	if cfg.Turn.GuardDelay < 0 {
		errs = append(errs, errors.New("turn.guard_delay must not be negative"))
	}

	return errors.Join(errs...)
}

// validateChain checks one engine failover chain.
func validateChain(prefix, kind string, entries []ProviderEntry) []error {
	var errs []error
	for i, e := range entries {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s[%d].name is required", prefix, i))
			continue
		}
		validateProviderName(kind, e.Name)
	}
	return errs
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is empty")
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown engine name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
