package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/stt"
	"github.com/MrWong99/parley/pkg/types"
)

// recognizer keeps a local speech recognition stream running for the whole
// session. A stream that ends naturally or with a transient condition is
// restarted at once; start failures and streams that die with an error are
// retried under the retry policy. Exhausting the policy is reported as a
// fatal fault.
//
// While paused (user muted or assistant speaking) the current stream is
// closed in the background, audio is dropped and no new stream is started.
// Results a closing stream still delivers are discarded.
type recognizer struct {
	provider stt.Provider
	cfg      stt.StreamConfig
	retry    RetryPolicy
	emit     Emit
	metrics  *observe.Metrics

	mu     sync.Mutex
	handle stt.SessionHandle
	paused bool
	wake   chan struct{}
}

func newRecognizer(p stt.Provider, cfg stt.StreamConfig, retry RetryPolicy, emit Emit, metrics *observe.Metrics) *recognizer {
	return &recognizer{
		provider: p,
		cfg:      cfg,
		retry:    retry.withDefaults(),
		emit:     emit,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
	}
}

// run supervises streams until ctx is done or the retry budget is spent.
func (r *recognizer) run(ctx context.Context) {
	failures := 0
	for {
		if !r.waitResumed(ctx) {
			return
		}

		h, err := r.provider.StartStream(ctx, r.cfg)
		if err == nil {
			if !r.attach(h) {
				_ = h.Close()
				r.consume(ctx, h)
				continue
			}
			err = r.consume(ctx, h)
			r.detach(h)

			switch {
			case ctx.Err() != nil:
				return
			case r.isPaused():
				failures = 0
				continue
			case err == nil:
				failures = 0
				r.metrics.RecordRecognizerRestart(ctx, "natural")
				continue
			case errors.Is(err, types.ErrRecognitionTransient):
				failures = 0
				r.metrics.RecordRecognizerRestart(ctx, "transient")
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		if r.retry.Exhausted(failures) {
			r.emit(Event{
				Kind:  Faulted,
				Fatal: true,
				Err:   fmt.Errorf("recognizer: giving up after %d attempts: %w", failures, err),
			})
			return
		}
		slog.Warn("recognizer: stream failed, retrying", "attempt", failures, "backoff", r.retry.Delay(failures), "err", err)
		r.metrics.RecordRecognizerRestart(ctx, "retry")
		if r.retry.Wait(ctx, failures) != nil {
			return
		}
	}
}

// consume forwards results of h until both result channels are closed and
// returns the reason the stream ended. Results arriving after h stopped being
// the live stream are drained but not emitted.
func (r *recognizer) consume(ctx context.Context, h stt.SessionHandle) error {
	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		select {
		case <-ctx.Done():
			_ = h.Close()
			return ctx.Err()
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			if t.Text != "" && r.current(h) {
				r.emit(Event{Kind: InterimUtterance, Role: RoleUser, Text: t.Text})
			}
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			if t.Text != "" && r.current(h) {
				r.emit(Event{Kind: FinalUtterance, Role: RoleUser, Text: t.Text})
			}
		}
	}
	return h.Err()
}

// waitResumed blocks while paused. It reports false when ctx is done.
func (r *recognizer) waitResumed(ctx context.Context) bool {
	for {
		if !r.isPaused() {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-r.wake:
		}
	}
}

func (r *recognizer) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// attach makes h the stream that receives audio. It reports false if the
// recognizer was paused while h was starting.
func (r *recognizer) attach(h stt.SessionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		return false
	}
	r.handle = h
	return true
}

// current reports whether h is the stream receiving audio.
func (r *recognizer) current(h stt.SessionHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handle == h
}

func (r *recognizer) detach(h stt.SessionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == h {
		r.handle = nil
	}
}

// setPaused pauses or resumes recognition. Pausing detaches the live stream
// and closes it on another goroutine: a recognizer may run inference on
// buffered audio before Close returns, and callers hold the session loop.
func (r *recognizer) setPaused(paused bool) {
	r.mu.Lock()
	if r.paused == paused {
		r.mu.Unlock()
		return
	}
	r.paused = paused
	h := r.handle
	if paused {
		r.handle = nil
	}
	r.mu.Unlock()

	if paused {
		if h != nil {
			go func() {
				if err := h.Close(); err != nil {
					slog.Debug("recognizer: closing paused stream", "err", err)
				}
			}()
		}
		return
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// send feeds PCM to the live stream; it is dropped while paused or between
// streams.
func (r *recognizer) send(pcm []byte) {
	r.mu.Lock()
	h := r.handle
	r.mu.Unlock()
	if h == nil {
		return
	}
	if err := h.SendAudio(pcm); err != nil {
		slog.Debug("recognizer: dropping audio", "err", err)
	}
}
