package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/pkg/types"
)

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers.
const charsPerToken = 4

// ContextWindow keeps the fallback responder's prompt within the model's
// context window. The transcript is never shortened; instead the window
// remembers how many leading turns it has folded into summaries and sends
// those summaries in their place.
//
// All methods are safe for concurrent use.
type ContextWindow struct {
	maxTokens      int
	thresholdRatio float64
	summariser     Summariser

	mu        sync.Mutex
	folded    int
	summaries []string
}

// ContextWindowConfig configures a [ContextWindow].
type ContextWindowConfig struct {
	// MaxTokens is the model's context window size. Zero disables folding.
	MaxTokens int

	// ThresholdRatio is the fraction of MaxTokens at which older turns are
	// summarised. Defaults to 0.75 if zero or negative.
	ThresholdRatio float64

	// Summariser compresses older turns. When nil, older turns are dropped
	// instead.
	Summariser Summariser
}

// NewContextWindow creates a [ContextWindow].
func NewContextWindow(cfg ContextWindowConfig) *ContextWindow {
	ratio := cfg.ThresholdRatio
	if ratio <= 0 {
		ratio = 0.75
	}
	return &ContextWindow{
		maxTokens:      cfg.MaxTokens,
		thresholdRatio: ratio,
		summariser:     cfg.Summariser,
	}
}

// Messages returns the prompt history for the full conversation history:
// summaries of folded turns as system messages, then the remaining turns.
// A failing summariser is logged and the history is sent unfolded.
func (w *ContextWindow) Messages(ctx context.Context, history []types.Message) []types.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.folded > len(history) {
		w.folded, w.summaries = 0, nil
	}
	live := history[w.folded:]

	if w.maxTokens > 0 {
		threshold := int(float64(w.maxTokens) * w.thresholdRatio)
		for w.tokens(live) > threshold && len(live) > 1 {
			half := len(live) / 2
			if w.summariser != nil {
				summary, err := w.summariser.Summarise(ctx, live[:half])
				if err != nil {
					slog.Warn("session: summarising history failed, sending it unfolded", "err", err)
					break
				}
				w.summaries = append(w.summaries, summary)
			}
			w.folded += half
			live = history[w.folded:]
		}
	}

	out := make([]types.Message, 0, len(w.summaries)+len(live))
	for _, s := range w.summaries {
		out = append(out, types.Message{
			Role:    "system",
			Content: fmt.Sprintf("[Earlier in this interview]: %s", s),
		})
	}
	return append(out, live...)
}

// Reset forgets all folded turns.
func (w *ContextWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.folded, w.summaries = 0, nil
}

// tokens estimates live plus the summaries. w.mu must be held.
func (w *ContextWindow) tokens(live []types.Message) int {
	n := 0
	for _, s := range w.summaries {
		n += len(s) / charsPerToken
	}
	for _, m := range live {
		n += estimateTokens(m)
	}
	return n
}

// estimateTokens returns a rough token count for a single message using
// the 1-token-per-4-characters heuristic.
func estimateTokens(m types.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
