package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/hallguide/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several model
// backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Available reports whether any backend's breaker admits calls.
func (f *LLMFallback) Available() bool { return f.group.Available() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend. A backend
// whose stream fails before producing any text also counts as failed and the
// next one is tried. Failures after text has been relayed are passed through
// as an error chunk.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		first, ok := <-ch
		if ok && first.FinishReason == llm.FinishReasonError {
			for range ch {
			}
			return nil, errors.New(first.Text)
		}

		out := make(chan llm.Chunk, 32)
		go func() {
			defer close(out)
			if !ok {
				return
			}
			select {
			case out <- first:
			case <-ctx.Done():
				return
			}
			for c := range ch {
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	})
}

// Capabilities returns the primary backend's capabilities.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	if len(f.group.members) > 0 {
		return f.group.members[0].value.Capabilities()
	}
	return llm.ModelCapabilities{}
}
