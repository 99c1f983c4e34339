// Package openai provides an LLM provider backed by the OpenAI chat
// completions API. Any server speaking the same API (llama.cpp, vLLM,
// LocalAI) works through [WithBaseURL]; such local servers need no API key.
//
// Replies are spoken, so a completion cut off by the token limit is trimmed
// back to its last full sentence rather than read out mid-word.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

var (
	_ llm.Provider = (*Provider)(nil)
	_ audio.Prober = (*Provider)(nil)
)

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

type settings struct {
	hasBaseURL bool
	request    []option.RequestOption
}

// Option configures a Provider.
type Option func(*settings)

// WithBaseURL points the client at another OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.hasBaseURL = true
		s.request = append(s.request, option.WithBaseURL(url))
	}
}

// WithOrganization sends the OpenAI organization ID on every request.
func WithOrganization(org string) Option {
	return func(s *settings) {
		s.request = append(s.request, option.WithOrganization(org))
	}
}

// WithTimeout bounds every HTTP request, retries included.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.request = append(s.request, option.WithHTTPClient(&http.Client{Timeout: d}))
	}
}

// New constructs a Provider for model. apiKey may be empty only when
// [WithBaseURL] points at a local server.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}
	switch {
	case apiKey != "":
		s.request = append(s.request, option.WithAPIKey(apiKey))
	case !s.hasBaseURL:
		return nil, errors.New("openai: apiKey must not be empty without a base URL")
	}
	return &Provider{client: oai.NewClient(s.request...), model: model}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.chatParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	return &llm.CompletionResponse{
		Content: llm.Speakable(choice.Message.Content, string(choice.FinishReason)),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Probe checks that the configured model is served. Readiness checks call
// it; requests do not.
func (p *Provider) Probe(ctx context.Context) error {
	if _, err := p.client.Models.Get(ctx, p.model); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("openai: model %q: %w", p.model, err)
	}
	return nil
}

func (p *Provider) chatParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}
	if len(messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("openai: request has no messages")
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	return params, nil
}

// convertMessage maps a transcript role onto the SDK's message union.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil
	case "user":
		return oai.UserMessage(m.Content), nil
	case "assistant":
		var asst oai.ChatCompletionAssistantMessageParam
		asst.Content.OfString = oai.String(m.Content)
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}
