package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{Backoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	var p RetryPolicy
	if got := p.Delay(1); got != 250*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 250ms", got)
	}
	if got := p.Delay(100); got != 5*time.Second {
		t.Errorf("Delay(100) = %v, want 5s", got)
	}
	if p.Exhausted(4) {
		t.Error("Exhausted(4) = true, want false")
	}
	if !p.Exhausted(5) {
		t.Error("Exhausted(5) = false, want true")
	}
}

func TestRetryPolicy_Wait(t *testing.T) {
	t.Parallel()

	var slept []time.Duration
	p := RetryPolicy{
		Backoff: 10 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if err := p.Wait(context.Background(), attempt); err != nil {
			t.Fatalf("Wait(%d): %v", attempt, err)
		}
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("slept[%d] = %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestRetryPolicy_WaitCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryPolicy{Backoff: time.Hour}.Wait(ctx, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Wait = %v, want %v", err, context.Canceled)
	}
}
