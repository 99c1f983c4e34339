package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// ─── LLMResponder ────────────────────────────────────────────────────────────

func TestLLMResponder_Reply(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Replies: []string{"  Why do you want to join us?\n"}}
	r := NewLLMResponder(p, LLMResponderConfig{Temperature: 0.7, MaxTokens: 120})

	history := []types.Message{{Role: RoleUser, Content: "I build payment systems."}}
	got, err := r.Reply(context.Background(), history)
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if got != "Why do you want to join us?" {
		t.Errorf("Reply = %q, want trimmed text", got)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(calls))
	}
	req := calls[0].Req
	if req.SystemPrompt != DefaultSystemPrompt {
		t.Errorf("SystemPrompt = %q, want default", req.SystemPrompt)
	}
	if req.Temperature != 0.7 || req.MaxTokens != 120 {
		t.Errorf("Temperature, MaxTokens = %v, %d, want 0.7, 120", req.Temperature, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Content != "I build payment systems." {
		t.Errorf("Messages = %+v", req.Messages)
	}
}

func TestLLMResponder_UsesWindow(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Replies: []string{"Next question."}}
	s := &stubSummariser{result: "earlier answers"}
	r := NewLLMResponder(p, LLMResponderConfig{
		SystemPrompt: "be brief",
		Window:       NewContextWindow(ContextWindowConfig{MaxTokens: 100, Summariser: s}),
	})

	if _, err := r.Reply(context.Background(), turns(8)); err != nil {
		t.Fatalf("Reply: %v", err)
	}
	req := p.Calls()[0].Req
	if req.SystemPrompt != "be brief" {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	if req.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want summary", req.Messages[0].Role)
	}
}

func TestLLMResponder_Error(t *testing.T) {
	t.Parallel()

	cause := errors.New("rate limited")
	r := NewLLMResponder(&llmmock.Provider{Err: cause}, LLMResponderConfig{})
	_, err := r.Reply(context.Background(), turns(1))
	if !errors.Is(err, cause) {
		t.Errorf("Reply error = %v, want %v", err, cause)
	}
}

func TestLLMResponder_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	p := &llmmock.Provider{Block: make(chan struct{})}
	r := NewLLMResponder(p, LLMResponderConfig{})

	cancel()
	if _, err := r.Reply(ctx, turns(1)); !errors.Is(err, context.Canceled) {
		t.Errorf("Reply error = %v, want %v", err, context.Canceled)
	}
}

// ─── LLMSummariser ───────────────────────────────────────────────────────────

func TestLLMSummariser_Summarise(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Replies: []string{"The candidate leads a team of four."}}
	s := NewLLMSummariser(p)

	got, err := s.Summarise(context.Background(), []types.Message{
		{Role: RoleAssistant, Content: "How big is your team?"},
		{Role: RoleUser, Content: "Four people."},
	})
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "The candidate leads a team of four." {
		t.Errorf("Summarise = %q", got)
	}

	req := p.Calls()[0].Req
	if req.SystemPrompt != summarisationPrompt {
		t.Error("summarisation prompt not used")
	}
	body := req.Messages[0].Content
	for _, want := range []string{"[interviewer]: How big is your team?", "[candidate]: Four people."} {
		if !strings.Contains(body, want) {
			t.Errorf("request body missing %q:\n%s", want, body)
		}
	}
}

func TestLLMSummariser_Empty(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{}
	got, err := NewLLMSummariser(p).Summarise(context.Background(), nil)
	if err != nil || got != "" {
		t.Errorf("Summarise(nil) = %q, %v, want empty", got, err)
	}
	if len(p.Calls()) != 0 {
		t.Error("provider called for empty input")
	}
}

func TestLLMSummariser_Error(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Err: errors.New("offline")}
	_, err := NewLLMSummariser(p).Summarise(context.Background(), turns(2))
	if err == nil || !strings.Contains(err.Error(), "summarise") {
		t.Errorf("Summarise error = %v, want wrapped error", err)
	}
}
