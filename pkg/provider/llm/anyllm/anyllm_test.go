package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		model   string
		opts    []anyllmlib.Option
		wantErr bool
	}{
		{name: "empty backend", backend: "", model: "llama3", wantErr: true},
		{name: "empty model", backend: "ollama", model: "", wantErr: true},
		{name: "unsupported backend", backend: "fakecloud", model: "m", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("x")}, wantErr: true},
		{name: "ollama without key", backend: "ollama", model: "llama3"},
		{name: "case-insensitive name", backend: "Ollama", model: "llama3"},
		{name: "openai with key", backend: "openai", model: "gpt-4o-mini", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-test")}},
		{name: "anthropic with key", backend: "anthropic", model: "claude-3-5-haiku-latest", opts: []anyllmlib.Option{anyllmlib.WithAPIKey("sk-ant-test")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.backend, tc.model, tc.opts...)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if p.model != tc.model {
				t.Errorf("model = %q, want %q", p.model, tc.model)
			}
		})
	}
}

func TestNew_OpenAIMissingKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := New("openai", "gpt-4o-mini"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestLocalConstructors(t *testing.T) {
	if _, err := NewOllama("llama3.2"); err != nil {
		t.Errorf("NewOllama: %v", err)
	}
	if _, err := NewLlamaCpp("default"); err != nil {
		t.Errorf("NewLlamaCpp: %v", err)
	}
}

// ── completionParams ──────────────────────────────────────────────────────────

func TestCompletionParams(t *testing.T) {
	t.Parallel()

	params := completionParams("llama3.2", llm.CompletionRequest{
		SystemPrompt: "You are an interviewer.",
		Messages: []types.Message{
			{Role: "assistant", Content: "Hello! Welcome to your interview."},
			{Role: "user", Content: "Thanks."},
		},
		Temperature: 0.4,
		MaxTokens:   150,
	})

	if params.Model != "llama3.2" {
		t.Errorf("Model = %q, want llama3.2", params.Model)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(params.Messages))
	}
	wantRoles := []string{anyllmlib.RoleSystem, "assistant", "user"}
	for i, m := range params.Messages {
		if m.Role != wantRoles[i] {
			t.Errorf("messages[%d].Role = %q, want %q", i, m.Role, wantRoles[i])
		}
	}
	if got := params.Messages[2].ContentString(); got != "Thanks." {
		t.Errorf("last content = %q, want %q", got, "Thanks.")
	}
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Errorf("Temperature = %v, want 0.4", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 150 {
		t.Errorf("MaxTokens = %v, want 150", params.MaxTokens)
	}
}

func TestCompletionParams_Defaults(t *testing.T) {
	t.Parallel()

	params := completionParams("m", llm.CompletionRequest{Messages: []types.Message{{Role: "user", Content: "hi"}}})
	if params.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil", *params.MaxTokens)
	}
	if len(params.Messages) != 1 {
		t.Errorf("got %d messages, want 1 (no system prompt)", len(params.Messages))
	}
}
