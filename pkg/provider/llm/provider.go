// Package llm defines the Provider interface for Large Language Model backends.
//
// On the local fallback path there is no remote model speaking for the
// assistant, so the session manager asks an LLM provider for each assistant
// turn and speaks the reply through the local synthesizer. A provider wraps a
// remote or local model API (OpenAI, a llama.cpp server, Ollama) without
// coupling the caller to any specific SDK.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"strings"

	"github.com/MrWong99/parley/pkg/types"
)

// Usage holds token accounting information returned by the LLM backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the LLM needs to produce a response.
// At minimum Messages or SystemPrompt must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []types.Message

	// SystemPrompt is injected before the history as a "system" message.
	SystemPrompt string

	// Temperature controls output randomness in [0.0, 2.0]. Zero uses the
	// provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the provider default.
	MaxTokens int
}

// CompletionResponse is the model's reply.
type CompletionResponse struct {
	// Content is the full text of the assistant's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full response. It
	// returns promptly with ctx.Err() when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// FinishLength is the finish reason backends report for a reply cut off by
// the token limit.
const FinishLength = "length"

// Speakable prepares reply text for the synthesizer. Surrounding whitespace
// is removed, and a reply cut off by the token limit is trimmed after its
// last sentence terminator so the assistant never stops mid-word. A cut-off
// reply without any terminator is kept as is.
func Speakable(content, finishReason string) string {
	content = strings.TrimSpace(content)
	if finishReason != FinishLength {
		return content
	}
	if i := strings.LastIndexAny(content, ".!?"); i >= 0 {
		return content[:i+1]
	}
	return content
}
