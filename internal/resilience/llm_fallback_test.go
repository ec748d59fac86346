package resilience

import (
	"errors"
	"testing"

	"github.com/MrWong99/hallguide/pkg/provider/llm"
	llmmock "github.com/MrWong99/hallguide/pkg/provider/llm/mock"
)

func newTestFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from primary"}}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

	resp, err := newTestFallback(primary, secondary).Complete(t.Context(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from primary" {
		t.Fatalf("content = %q, want 'from primary'", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}}

	resp, err := newTestFallback(primary, secondary).Complete(t.Context(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "from secondary" {
		t.Fatalf("content = %q, want 'from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	_, err := newTestFallback(primary, secondary).Complete(t.Context(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func drain(ch <-chan llm.Chunk) string {
	var s string
	for c := range ch {
		s += c.Text
	}
	return s
}

func TestLLMFallback_StreamCompletion(t *testing.T) {
	tests := []struct {
		name          string
		primary       *llmmock.Provider
		want          string
		wantSecondary int
	}{
		{
			name:          "primary streams",
			primary:       &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "主"}, {Text: "用", FinishReason: "stop"}}},
			want:          "主用",
			wantSecondary: 0,
		},
		{
			name:          "primary refuses to start",
			primary:       &llmmock.Provider{StreamErr: errors.New("401")},
			want:          "备用",
			wantSecondary: 1,
		},
		{
			name:          "primary fails before first token",
			primary:       &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: llm.FinishReasonError, Text: "quota"}}},
			want:          "备用",
			wantSecondary: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "备"}, {Text: "用", FinishReason: "stop"}}}
			ch, err := newTestFallback(tt.primary, secondary).StreamCompletion(t.Context(), llm.CompletionRequest{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := drain(ch); got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
			if n := len(secondary.Calls()); n != tt.wantSecondary {
				t.Errorf("secondary streams = %d, want %d", n, tt.wantSecondary)
			}
		})
	}
}

func TestLLMFallback_StreamCompletion_MidStreamErrorPassesThrough(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "您好"},
		{FinishReason: llm.FinishReasonError, Text: "connection reset"},
	}}
	secondary := &llmmock.Provider{}

	ch, err := newTestFallback(primary, secondary).StreamCompletion(t.Context(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last llm.Chunk
	for c := range ch {
		last = c
	}
	if last.FinishReason != llm.FinishReasonError {
		t.Fatalf("last finish reason = %q, want error", last.FinishReason)
	}
	if len(secondary.Calls()) != 0 {
		t.Fatal("secondary must not be tried after text was relayed")
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 131_072}}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	if caps := fb.Capabilities(); caps.ContextWindow != 131_072 {
		t.Fatalf("ContextWindow = %d, want 131072", caps.ContextWindow)
	}
	if !fb.Available() {
		t.Fatal("expected available")
	}
}
