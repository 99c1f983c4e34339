package session

import (
	"context"
	"time"
)

// Default retry parameters for the recognizer supervisor.
const (
	defaultMaxAttempts = 5
	defaultBackoff     = 250 * time.Millisecond
	defaultMaxBackoff  = 5 * time.Second
)

// RetryPolicy bounds how often a failing operation is retried. The delay
// starts at Backoff and doubles per attempt up to MaxBackoff.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failures tolerated before
	// giving up. Defaults to 5.
	MaxAttempts int

	// Backoff is the delay after the first failure. Defaults to 250ms.
	Backoff time.Duration

	// MaxBackoff caps the delay. Defaults to 5s.
	MaxBackoff time.Duration

	// Sleep waits for d or until ctx is done. Defaults to a timer-based
	// sleep; tests replace it to avoid wall-clock delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = defaultBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = defaultMaxBackoff
	}
	if p.MaxBackoff < p.Backoff {
		p.MaxBackoff = p.Backoff
	}
	if p.Sleep == nil {
		p.Sleep = sleep
	}
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.Backoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Wait sleeps for Delay(attempt). It returns ctx.Err() if ctx ends first.
func (p RetryPolicy) Wait(ctx context.Context, attempt int) error {
	p = p.withDefaults()
	return p.Sleep(ctx, p.Delay(attempt))
}

// Exhausted reports whether failures consecutive failures use up the budget.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.withDefaults().MaxAttempts
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
