// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the responder sends correct
// CompletionRequests and to feed controlled responses without a live LLM.
//
// Example:
//
//	p := &mock.Provider{Replies: []string{"Tell me about yourself."}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Replies are returned in order; the last one repeats once exhausted.
	// With no replies Complete returns an empty response.
	Replies []string

	// Err, if non-nil, is returned by every Complete call.
	Err error

	// Block, if non-nil, makes Complete wait until Block is closed or ctx is
	// done.
	Block chan struct{}

	// CompleteCalls records every call to Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Complete records the call and returns the next reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	block := p.Block
	err := p.Err
	var reply string
	if len(p.Replies) > 0 {
		reply = p.Replies[min(n, len(p.Replies)-1)]
	}
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Content: reply}, nil
}

// Calls returns a copy of the recorded Complete calls.
func (p *Provider) Calls() []CompleteCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CompleteCall(nil), p.CompleteCalls...)
}
