package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/parley/pkg/types"
)

type stubSummariser struct {
	mu     sync.Mutex
	calls  [][]types.Message
	result string
	err    error
}

func (s *stubSummariser) Summarise(_ context.Context, msgs []types.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, msgs)
	return s.result, s.err
}

// turns builds n alternating messages of roughly 25 tokens each.
func turns(n int) []types.Message {
	out := make([]types.Message, n)
	for i := range out {
		role := RoleUser
		if i%2 == 0 {
			role = RoleAssistant
		}
		out[i] = types.Message{Role: role, Content: strings.Repeat("word ", 19)}
	}
	return out
}

func TestContextWindow_UnderThreshold(t *testing.T) {
	t.Parallel()

	s := &stubSummariser{result: "summary"}
	w := NewContextWindow(ContextWindowConfig{MaxTokens: 1000, Summariser: s})
	history := turns(4)

	got := w.Messages(context.Background(), history)
	if len(got) != 4 {
		t.Errorf("len = %d, want 4", len(got))
	}
	if len(s.calls) != 0 {
		t.Errorf("summariser called %d times, want 0", len(s.calls))
	}
}

func TestContextWindow_FoldsOldTurns(t *testing.T) {
	t.Parallel()

	s := &stubSummariser{result: "candidate has ten years of Go"}
	w := NewContextWindow(ContextWindowConfig{MaxTokens: 100, ThresholdRatio: 0.75, Summariser: s})
	history := turns(8) // ~200 tokens

	got := w.Messages(context.Background(), history)
	if len(s.calls) == 0 {
		t.Fatal("summariser not called")
	}
	if got[0].Role != "system" || !strings.Contains(got[0].Content, "candidate has ten years of Go") {
		t.Errorf("first message = %+v, want summary", got[0])
	}
	last := got[len(got)-1]
	if last != history[len(history)-1] {
		t.Errorf("last message = %+v, want the latest turn", last)
	}

	// Folding is remembered: the next call only sends the new tail.
	calls := len(s.calls)
	history = append(history, types.Message{Role: RoleUser, Content: "short"})
	again := w.Messages(context.Background(), history)
	if again[len(again)-1].Content != "short" {
		t.Errorf("last message = %q, want %q", again[len(again)-1].Content, "short")
	}
	if len(s.calls) < calls {
		t.Errorf("summariser calls went backwards")
	}
}

func TestContextWindow_DropsWithoutSummariser(t *testing.T) {
	t.Parallel()

	w := NewContextWindow(ContextWindowConfig{MaxTokens: 100})
	got := w.Messages(context.Background(), turns(8))
	if len(got) >= 8 {
		t.Errorf("len = %d, want fewer than 8", len(got))
	}
	for _, m := range got {
		if m.Role == "system" {
			t.Errorf("unexpected summary message %+v", m)
		}
	}
}

func TestContextWindow_SummariserError(t *testing.T) {
	t.Parallel()

	s := &stubSummariser{err: errors.New("model offline")}
	w := NewContextWindow(ContextWindowConfig{MaxTokens: 100, Summariser: s})
	history := turns(8)

	got := w.Messages(context.Background(), history)
	if len(got) != len(history) {
		t.Errorf("len = %d, want unfolded %d", len(got), len(history))
	}
	if len(s.calls) != 1 {
		t.Errorf("summariser called %d times, want 1", len(s.calls))
	}
}

func TestContextWindow_ResetsOnShorterHistory(t *testing.T) {
	t.Parallel()

	s := &stubSummariser{result: "summary"}
	w := NewContextWindow(ContextWindowConfig{MaxTokens: 100, Summariser: s})
	w.Messages(context.Background(), turns(8))

	got := w.Messages(context.Background(), turns(2))
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	for _, m := range got {
		if m.Role == "system" {
			t.Error("stale summary sent for a new history")
		}
	}
}

func TestContextWindow_Disabled(t *testing.T) {
	t.Parallel()

	w := NewContextWindow(ContextWindowConfig{})
	if got := w.Messages(context.Background(), turns(50)); len(got) != 50 {
		t.Errorf("len = %d, want 50", len(got))
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg  types.Message
		want int
	}{
		{types.Message{}, 0},
		{types.Message{Role: "a"}, 1},
		{types.Message{Role: "user", Content: "abcd"}, 2},
	}
	for _, tt := range tests {
		if got := estimateTokens(tt.msg); got != tt.want {
			t.Errorf("estimateTokens(%+v) = %d, want %d", tt.msg, got, tt.want)
		}
	}
}
