package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// summarisationPrompt is the system prompt sent to the LLM when summarising
// older parts of the conversation.
const summarisationPrompt = `Summarise the following part of a spoken interview between an interviewer (assistant) and a candidate (user).
Preserve: questions already asked, the candidate's key claims, examples and numbers, and any follow-ups promised.
Be concise; the summary replaces the original turns in the interviewer's memory.`

// Summariser produces a concise summary of a conversation segment.
type Summariser interface {
	// Summarise takes a slice of messages and returns a condensed summary string.
	Summarise(ctx context.Context, messages []types.Message) (string, error)
}

// LLMSummariser uses an LLM provider to summarise conversations.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats messages into a single transcript and asks the model for
// a summary.
func (s *LLMSummariser) Summarise(ctx context.Context, messages []types.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", speakerLabel(m.Role), m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []types.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	return resp.Content, nil
}

func speakerLabel(role string) string {
	switch role {
	case RoleAssistant:
		return "interviewer"
	case RoleUser:
		return "candidate"
	default:
		return role
	}
}
