package tts

import (
	"context"
	"errors"
	"testing"
	"time"
)

func collect(ch <-chan string) []string {
	var out []string
	for s := range ch {
		out = append(out, s)
	}
	return out
}

func TestSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fragments []string
		want      []string
	}{
		{
			name:      "single fragment",
			fragments: []string{"Hello there. How are you? Fine!"},
			want:      []string{"Hello there.", "How are you?", "Fine!"},
		},
		{
			name:      "split across fragments",
			fragments: []string{"Tell me ab", "out yourself", ". What drew you", " here?"},
			want:      []string{"Tell me about yourself.", "What drew you here?"},
		},
		{
			name:      "decimal not split",
			fragments: []string{"Pi is 3.14 roughly. Ok"},
			want:      []string{"Pi is 3.14 roughly.", "Ok"},
		},
		{
			name:      "whitespace only",
			fragments: []string{"   ", "\n"},
			want:      nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			in := make(chan string, len(tc.fragments))
			for _, f := range tc.fragments {
				in <- f
			}
			close(in)

			got := collect(Sentences(context.Background(), in))
			if len(got) != len(tc.want) {
				t.Fatalf("Sentences = %q, want %q", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("sentence[%d] = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestSentences_Cancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	out := Sentences(ctx, make(chan string))
	cancel()

	select {
	case _, ok := <-out:
		if ok {
			t.Fatal("unexpected sentence after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("output not closed after cancel")
	}
}

func TestPipe(t *testing.T) {
	t.Parallel()

	p := NewPipe(2)
	if !p.Send(context.Background(), []byte{1}) {
		t.Fatal("Send on open pipe returned false")
	}
	boom := errors.New("boom")
	p.Close(boom)
	p.Close(nil)

	var n int
	for range p.Audio() {
		n++
	}
	if n != 1 {
		t.Errorf("received %d chunks, want 1", n)
	}
	if !errors.Is(p.Err(), boom) {
		t.Errorf("Err() = %v, want %v", p.Err(), boom)
	}
}

func TestPipe_SendCancelled(t *testing.T) {
	t.Parallel()

	p := NewPipe(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if p.Send(ctx, []byte{1}) {
		t.Error("Send with cancelled context and no reader returned true")
	}
}
