package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/hallguide/pkg/provider/llm"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		model   string
		wantErr error
	}{
		{name: "valid", key: "ms-key", model: "Qwen/Qwen3-32B"},
		{name: "missing key", model: "Qwen/Qwen3-32B", wantErr: errNoAPIKey},
		{name: "missing model", key: "ms-key", wantErr: errNoModel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key, tt.model, WithBaseURL("https://example.com/v1"))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("New() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestToParam(t *testing.T) {
	for _, role := range []string{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
		t.Run(role, func(t *testing.T) {
			p, err := toParam(llm.Message{Role: role, Content: "你好"})
			if err != nil {
				t.Fatalf("toParam: %v", err)
			}
			set := map[string]bool{
				llm.RoleSystem:    p.OfSystem != nil,
				llm.RoleUser:      p.OfUser != nil,
				llm.RoleAssistant: p.OfAssistant != nil,
			}
			for r, ok := range set {
				if ok != (r == role) {
					t.Errorf("%s variant set = %v", r, ok)
				}
			}
		})
	}

	if _, err := toParam(llm.Message{Role: "tool"}); err == nil {
		t.Error("toParam accepted an unsupported role")
	}
}

func TestParams(t *testing.T) {
	p := &Provider{model: "Qwen/Qwen3-VL-235B-A22B-Instruct"}
	params, err := p.params(llm.CompletionRequest{
		SystemPrompt: "你是展厅讲解员。",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: "展厅几点开门？"},
			{Role: llm.RoleAssistant, Content: "上午九点。"},
			{Role: llm.RoleUser, Content: "几点闭馆？"},
		},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if len(params.Messages) != 4 || params.Messages[0].OfSystem == nil {
		t.Fatalf("messages = %d, want system prompt plus 3 turns", len(params.Messages))
	}
	if string(params.Model) != p.model {
		t.Errorf("model = %q", params.Model)
	}
	if !params.MaxTokens.Valid() || params.MaxTokens.Value != 256 {
		t.Errorf("max tokens = %+v, want 256", params.MaxTokens)
	}
	if params.Temperature.Valid() {
		t.Error("zero temperature should be left to the server")
	}
}

// chatServer fakes the chat-completions endpoint. Streaming requests get one
// chunk per piece; others a single message.
func chatServer(t *testing.T, pieces []string, breakStream bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer ms-key" {
			http.Error(w, `{"error":{"message":"bad key"}}`, http.StatusUnauthorized)
			return
		}
		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		if !body.Stream {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":%q}}],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`, strings.Join(pieces, ""))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		f := w.(http.Flusher)
		// A role header without content is skipped by the provider.
		fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant"},"finish_reason":null}]}`+"\n\n")
		for i, piece := range pieces {
			finish := "null"
			if i == len(pieces)-1 && !breakStream {
				finish = `"stop"`
			}
			fmt.Fprintf(w, `data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":%q},"finish_reason":%s}]}`+"\n\n", piece, finish)
			f.Flush()
		}
		if breakStream {
			fmt.Fprint(w, "data: {\"error\":{\"message\":\"upstream overloaded\"}}\n\n")
			return
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStreamCompletion(t *testing.T) {
	srv := chatServer(t, []string{"您好", "，欢迎参观", "城市展厅！"}, false)
	p, err := New("ms-key", "m", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "你好"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var (
		sb     strings.Builder
		chunks int
		last   llm.Chunk
	)
	for c := range ch {
		if c.FinishReason == llm.FinishReasonError {
			t.Fatalf("stream error: %s", c.Text)
		}
		sb.WriteString(c.Text)
		chunks++
		last = c
	}
	if got := sb.String(); got != "您好，欢迎参观城市展厅！" {
		t.Errorf("text = %q", got)
	}
	if chunks != 3 {
		t.Errorf("chunks = %d, want 3", chunks)
	}
	if last.FinishReason != "stop" {
		t.Errorf("finish reason = %q, want stop", last.FinishReason)
	}
}

func TestStreamCompletion_BrokenStream(t *testing.T) {
	srv := chatServer(t, []string{"您好"}, true)
	p, _ := New("ms-key", "m", WithBaseURL(srv.URL))

	ch, err := p.StreamCompletion(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "你好"}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	var last llm.Chunk
	for c := range ch {
		last = c
	}
	if last.FinishReason != llm.FinishReasonError {
		t.Errorf("last chunk = %+v, want an error chunk", last)
	}
}

func TestComplete(t *testing.T) {
	srv := chatServer(t, []string{"上午九点", "开门。"}, false)

	p, _ := New("ms-key", "m", WithBaseURL(srv.URL))
	resp, err := p.Complete(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "几点开门？"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "上午九点开门。" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 17 {
		t.Errorf("total tokens = %d, want 17", resp.Usage.TotalTokens)
	}

	bad, _ := New("wrong", "m", WithBaseURL(srv.URL))
	if _, err := bad.Complete(t.Context(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "几点开门？"}},
	}); err == nil {
		t.Error("Complete with a rejected key should fail")
	}
}

func TestCapabilities_Qwen3(t *testing.T) {
	caps := (&Provider{model: "Qwen/Qwen3-32B"}).Capabilities()
	if caps.ContextWindow != 131_072 || !caps.SupportsStreaming {
		t.Errorf("caps = %+v, want 131072 window with streaming", caps)
	}
}
