package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/parley/pkg/types"
)

// Utterance roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Utterance is one final transcript entry. Entries are never modified once
// appended.
type Utterance struct {
	ID   string    `json:"id"`
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Transcript is an append-only, ordered list of utterances. It is safe for
// concurrent use.
type Transcript struct {
	mu      sync.RWMutex
	entries []Utterance
}

// Append adds a final utterance and returns it.
func (t *Transcript) Append(role, text string, at time.Time) Utterance {
	u := Utterance{ID: uuid.NewString(), Role: role, Text: text, At: at}
	t.mu.Lock()
	t.entries = append(t.entries, u)
	t.mu.Unlock()
	return u
}

// Snapshot returns the entries appended so far. The slice is capped at its
// length so later appends never alias it.
func (t *Transcript) Snapshot() []Utterance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.entries)
	return t.entries[:n:n]
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Recent returns the text of the last n utterances spoken by role, oldest
// first.
func (t *Transcript) Recent(role string, n int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for i := len(t.entries) - 1; i >= 0 && len(out) < n; i-- {
		if t.entries[i].Role == role {
			out = append(out, t.entries[i].Text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Messages converts utterances into LLM conversation history.
func Messages(entries []Utterance) []types.Message {
	msgs := make([]types.Message, len(entries))
	for i, u := range entries {
		msgs[i] = types.Message{Role: u.Role, Content: u.Text}
	}
	return msgs
}
