package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// DefaultSystemPrompt instructs the fallback model to behave like the remote
// interviewer.
const DefaultSystemPrompt = `You are a friendly, professional job interviewer holding a spoken interview.
Ask one question at a time and keep every reply under three sentences.
Acknowledge the candidate's answer briefly before asking a follow-up or the next question.
Your replies are read aloud, so never use lists, markdown or emoji.`

// Responder generates the assistant's next turn on the fallback path.
type Responder interface {
	Reply(ctx context.Context, history []types.Message) (string, error)
}

// LLMResponderConfig configures an [LLMResponder].
type LLMResponderConfig struct {
	// Name labels the provider in metrics (e.g. "openai", "ollama").
	Name string

	// SystemPrompt defaults to [DefaultSystemPrompt].
	SystemPrompt string

	Temperature float64
	MaxTokens   int

	// Window bounds the prompt. Nil sends the full history.
	Window *ContextWindow

	Metrics *observe.Metrics
}

// LLMResponder asks an LLM for each assistant turn.
type LLMResponder struct {
	provider llm.Provider
	cfg      LLMResponderConfig
}

var _ Responder = (*LLMResponder)(nil)

// NewLLMResponder returns a responder backed by provider.
func NewLLMResponder(provider llm.Provider, cfg LLMResponderConfig) *LLMResponder {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &LLMResponder{provider: provider, cfg: cfg}
}

// Probe checks the provider when it supports probing.
func (r *LLMResponder) Probe(ctx context.Context) error {
	return audio.Probe(ctx, r.provider)
}

// Reply implements [Responder].
func (r *LLMResponder) Reply(ctx context.Context, history []types.Message) (string, error) {
	msgs := history
	if r.cfg.Window != nil {
		msgs = r.cfg.Window.Messages(ctx, history)
	}

	start := time.Now()
	resp, err := r.provider.Complete(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: r.cfg.SystemPrompt,
		Temperature:  r.cfg.Temperature,
		MaxTokens:    r.cfg.MaxTokens,
	})
	r.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.cfg.Metrics.RecordProviderRequest(ctx, r.cfg.Name, "llm", "error")
		r.cfg.Metrics.RecordProviderError(ctx, r.cfg.Name, "llm")
		return "", fmt.Errorf("responder: %w", err)
	}
	r.cfg.Metrics.RecordProviderRequest(ctx, r.cfg.Name, "llm", "ok")
	return strings.TrimSpace(resp.Content), nil
}
