package webrtc

import (
	"fmt"
	"testing"
	"time"
)

func TestMessageQueue_KeepsEverythingPastBuffer(t *testing.T) {
	t.Parallel()

	q := newMessageQueue()
	done := make(chan struct{})
	defer close(done)

	// A burst of deltas larger than the channel buffer, then the final and
	// the end of the assistant's audio, all while nobody reads.
	const deltas = 4 * peerChannelBuffer
	var want []string
	for i := range deltas {
		msg := fmt.Sprintf(`{"type":"response.output_audio_transcript.delta","delta":"w%d "}`, i)
		want = append(want, msg)
		q.push([]byte(msg))
	}
	for _, msg := range []string{
		`{"type":"response.output_audio_transcript.done","transcript":"the whole answer"}`,
		`{"type":"output_audio_buffer.stopped"}`,
	} {
		want = append(want, msg)
		q.push([]byte(msg))
	}
	if got := q.backlog(); got != len(want) {
		t.Fatalf("backlog = %d, want %d", got, len(want))
	}

	go q.run(done)
	for i, w := range want {
		select {
		case got := <-q.out:
			if string(got) != w {
				t.Fatalf("message %d = %s, want %s", i, got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d of %d messages", i, len(want))
		}
	}
}

func TestMessageQueue_PushDoesNotBlock(t *testing.T) {
	t.Parallel()

	q := newMessageQueue()
	done := make(chan struct{})
	go q.run(done)
	defer close(done)

	pushed := make(chan struct{})
	go func() {
		for range 10 * peerChannelBuffer {
			q.push([]byte(`{"type":"response.output_audio_transcript.delta"}`))
		}
		close(pushed)
	}()
	select {
	case <-pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("push blocked with no consumer")
	}
}

func TestMessageQueue_StopsOnDone(t *testing.T) {
	t.Parallel()

	q := newMessageQueue()
	for range 2 * peerChannelBuffer {
		q.push([]byte("{}"))
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		q.run(done)
		close(stopped)
	}()
	close(done)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("run kept going after done")
	}
}
