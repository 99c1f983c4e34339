// Package config provides the configuration schema, loader, and engine
// registry for the parley host process.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Descriptor DescriptorConfig `yaml:"descriptor"`
	Audio      AudioConfig      `yaml:"audio"`
	Remote     RemoteConfig     `yaml:"remote"`
	Fallback   FallbackConfig   `yaml:"fallback"`
	Echo       EchoConfig       `yaml:"echo"`
	Turn       TurnConfig       `yaml:"turn"`
}

// ServerConfig holds network and logging settings for the host process.
type ServerConfig struct {
	// ListenAddr is the TCP address the host API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DescriptorConfig points at the collaborator that mints session
// descriptors (ephemeral client secrets) when a start request carries none.
type DescriptorConfig struct {
	// URL receives a POST and answers with the descriptor JSON. Empty means
	// every start request must carry its own descriptor.
	URL string `yaml:"url"`

	// APIKey is sent as a Bearer token to URL, if set.
	APIKey string `yaml:"api_key"`

	// Timeout bounds the descriptor request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// AudioConfig selects the local audio devices.
type AudioConfig struct {
	// Backend names a registered audio backend. Defaults to "pulse".
	Backend string `yaml:"backend"`

	// Input and Output are backend-specific device names. Empty selects the
	// system default.
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
}

// RemoteConfig configures the remote realtime transport.
type RemoteConfig struct {
	// Disabled skips the remote path; every session runs locally.
	Disabled bool `yaml:"disabled"`

	// Endpoint is the SDP signaling URL. Empty uses the transport default.
	Endpoint string `yaml:"endpoint"`

	// STUNServers are ICE servers (stun: or turn: URLs).
	STUNServers []string `yaml:"stun_servers"`

	// NegotiationTimeout bounds the signaling exchange. Defaults to 10s.
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
}

// FallbackConfig configures the local recognizer/synthesizer path. Each
// engine list is a failover chain tried in order.
type FallbackConfig struct {
	// Disabled turns a failed remote negotiation into a terminal error.
	Disabled bool `yaml:"disabled"`

	STT []ProviderEntry `yaml:"stt"`
	TTS []ProviderEntry `yaml:"tts"`
	LLM []ProviderEntry `yaml:"llm"`

	Voice VoiceConfig `yaml:"voice"`

	// Greeting is the assistant's opening line.
	Greeting string `yaml:"greeting"`

	// SystemPrompt instructs the model generating assistant turns.
	SystemPrompt string `yaml:"system_prompt"`

	// Language is the BCP-47 recognition language (e.g., "en-US").
	Language string `yaml:"language"`

	// NoSpeechTimeout restarts recognition after this much silence.
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout"`

	// ContextTokens is the model context size used to fold older turns into
	// a summary. Zero sends the full history.
	ContextTokens int `yaml:"context_tokens"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderEntry is the configuration block shared by all engine types.
// Name looks up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered engine (e.g., "whisper-native", "piper").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL is the server address for HTTP engines. Leave empty to use the
	// engine's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a model, or a model file for on-device engines.
	Model string `yaml:"model"`

	// Options holds engine-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// VoiceConfig controls how the local synthesizer speaks.
type VoiceConfig struct {
	// Preferred is a ranked list of voice names; the first available match
	// wins, otherwise any voice is used.
	Preferred []string `yaml:"preferred"`

	// Rate in [0.5, 2.0]; zero means 1.0.
	Rate float64 `yaml:"rate"`

	// Pitch in [-10, 10]; zero means unchanged.
	Pitch float64 `yaml:"pitch"`

	// Volume in [0, 2]; zero means 1.0.
	Volume float64 `yaml:"volume"`
}

// RetryConfig bounds recognizer restarts after start failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// CircuitBreakerConfig applies to every engine in a failover chain.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// EchoConfig tunes the fallback echo filter. It is hot-reloadable.
type EchoConfig struct {
	// RiskPhrases replaces the built-in list when non-empty.
	RiskPhrases []string `yaml:"risk_phrases"`

	// ExtraRiskPhrases are appended to the active list.
	ExtraRiskPhrases []string `yaml:"extra_risk_phrases"`

	MinChars            int     `yaml:"min_chars"`
	MinTypeTokenRatio   float64 `yaml:"min_type_token_ratio"`
	SelfReference       *bool   `yaml:"self_reference"`
	RecentAssistant     int     `yaml:"recent_assistant"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
}

// TurnConfig holds the per-session turn defaults.
type TurnConfig struct {
	// GuardDelay keeps recognition paused after the assistant stops
	// speaking. Defaults to 500ms.
	GuardDelay time.Duration `yaml:"guard_delay"`

	// SkipGreeting suppresses the assistant's opening turn.
	SkipGreeting bool `yaml:"skip_greeting"`
}

// ApplyDefaults fills zero values with the documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Descriptor.Timeout == 0 {
		cfg.Descriptor.Timeout = 10 * time.Second
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = "pulse"
	}
	if cfg.Remote.NegotiationTimeout == 0 {
		cfg.Remote.NegotiationTimeout = 10 * time.Second
	}
	if cfg.Fallback.Language == "" {
		cfg.Fallback.Language = "en-US"
	}
	if cfg.Turn.GuardDelay == 0 {
		cfg.Turn.GuardDelay = 500 * time.Millisecond
	}
}
