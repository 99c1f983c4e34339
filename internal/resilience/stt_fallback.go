package resilience

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across several
// recognizers, typically the in-process whisper.cpp engine followed by a
// whisper-server instance. Each engine has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred engine.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognizer.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// StartStream opens a recognition stream on the first healthy engine. Only
// stream setup fails over; an error reported by a running stream is handled
// by the caller, which restarts the stream through this chain again.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Probe reports whether any engine in the chain is usable.
func (f *STTFallback) Probe(ctx context.Context) error {
	return Probe(ctx, f.group, func(ctx context.Context, p stt.Provider) error {
		return audio.Probe(ctx, p)
	})
}
