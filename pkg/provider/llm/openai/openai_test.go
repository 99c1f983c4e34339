package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/types"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: "system"},
		{role: "user"},
		{role: "assistant"},
		{role: "tool", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			t.Parallel()
			got, err := convertMessage(types.Message{Role: tc.role, Content: "hi"})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error for unsupported role")
				}
				return
			}
			if err != nil {
				t.Fatalf("convertMessage: %v", err)
			}
			set := map[string]bool{
				"system":    got.OfSystem != nil,
				"user":      got.OfUser != nil,
				"assistant": got.OfAssistant != nil,
			}
			for role, ok := range set {
				if ok != (role == tc.role) {
					t.Errorf("role %q: Of%s set = %v", tc.role, role, ok)
				}
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o-mini"); err == nil {
		t.Error("expected error for empty API key without a base URL")
	}
	if _, err := New("", "llama3.2", WithBaseURL("http://127.0.0.1:8080/v1/")); err != nil {
		t.Errorf("local server without key: %v", err)
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o-mini", WithBaseURL("https://example.com/v1/"), WithOrganization("org-1")); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body map[string]any
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		mu.Lock()
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "Tell me about a project you led."}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
		}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are an interviewer.",
		Messages: []types.Message{
			{Role: "assistant", Content: "Hello! Welcome to your interview."},
			{Role: "user", Content: "Thanks, happy to be here."},
		},
		MaxTokens: 200,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Tell me about a project you led." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 20 {
		t.Errorf("TotalTokens = %d, want 20", resp.Usage.TotalTokens)
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want %q", auth, "Bearer sk-test")
	}
	if body["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v, want gpt-4o-mini", body["model"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 3 {
		t.Fatalf("sent %d messages, want 3 (system + history)", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message role = %v, want system", first["role"])
	}
}

func TestComplete_EmptyRequest(t *testing.T) {
	t.Parallel()

	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL("http://127.0.0.1:1/v1/"))
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Error("expected error for request without messages")
	}
}

func TestComplete_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "bad model", "type": "invalid_request_error"}}`))
	}))
	defer srv.Close()

	p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestComplete_TruncatedReplyEndsOnSentence(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-2", "object": "chat.completion", "created": 1, "model": "llama3.2",
			"choices": [{"index": 0, "finish_reason": "length",
				"message": {"role": "assistant", "content": "Great answer. Now tell me how you would"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 9, "total_tokens": 14}
		}`))
	}))
	defer srv.Close()

	p, err := New("", "llama3.2", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "I led the migration."}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Great answer." {
		t.Errorf("Content = %q, want %q", resp.Content, "Great answer.")
	}
}

func TestProbe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models/llama3.2" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error": {"message": "model not found", "type": "invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "llama3.2", "object": "model", "created": 1, "owned_by": "local"}`))
	}))
	defer srv.Close()

	ok, _ := New("", "llama3.2", WithBaseURL(srv.URL+"/v1/"))
	if err := ok.Probe(context.Background()); err != nil {
		t.Errorf("Probe(served model) = %v, want nil", err)
	}
	missing, _ := New("", "gpt-9", WithBaseURL(srv.URL+"/v1/"))
	if err := missing.Probe(context.Background()); err == nil {
		t.Error("Probe(missing model) = nil, want error")
	}
}
