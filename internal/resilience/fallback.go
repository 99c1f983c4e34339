package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no engine in a [FallbackGroup] produced a
// result, either because it failed or because its breaker was open.
var ErrAllFailed = errors.New("all engines failed")

// FallbackConfig holds the breaker settings every engine in a group gets its
// own copy of.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type engine[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered chain of interchangeable engines, for example
// whisper.cpp in-process followed by a whisper server. Calls go to the first
// engine whose breaker admits them; a failure moves on to the next one.
//
// Engines must all be added before the group is shared; after that it is safe
// for concurrent use.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	engines []engine[T]
}

// NewFallbackGroup starts a chain with primary as its preferred engine.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(name, primary)
	return fg
}

// AddFallback appends an engine that is tried after every engine added
// before it.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.engines = append(fg.engines, engine[T]{name: name, value: value, breaker: NewCircuitBreaker(bc)})
}

// Primary is the engine the chain was created with. Callers use it for
// properties that must not change on failover, such as the output format.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.engines[0].value
}

// ExecuteWithResult calls fn on each engine in order until one succeeds.
// Engines whose breaker is open are skipped without calling fn. A cancelled
// or expired context stops the chain and is returned unwrapped, so the
// caller's shutdown is never mistaken for engine failure. Otherwise the
// error wraps [ErrAllFailed] and every engine's failure.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for i := range fg.engines {
		e := &fg.engines[i]
		var out R
		err := e.breaker.Execute(func() error {
			var err error
			out, err = fn(e.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Debug("fallback engine served request", "engine", e.name, "position", i)
			}
			return out, nil
		case isCancellation(err):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("engine skipped, circuit open", "engine", e.name)
		default:
			slog.Warn("engine failed", "engine", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Probe reports nil as soon as one engine passes probe. Engines with an open
// breaker are not probed, and probing never changes breaker state. The
// returned error joins every engine's reason.
func Probe[T any](ctx context.Context, fg *FallbackGroup[T], probe func(context.Context, T) error) error {
	var errs []error
	for i := range fg.engines {
		e := &fg.engines[i]
		if e.breaker.State() == StateOpen {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, ErrCircuitOpen))
			continue
		}
		err := probe(ctx, e.value)
		if err == nil {
			return nil
		}
		if isCancellation(err) {
			return err
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return errors.Join(errs...)
}
