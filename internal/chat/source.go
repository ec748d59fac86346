package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/MrWong99/hallguide/pkg/provider/llm"
)

// Request is one visitor turn to be answered.
type Request struct {
	Message      string
	History      []llm.Message
	SystemPrompt string
}

// Stream yields the text fragments of one reply. Next returns io.EOF when the
// reply is complete. Close releases the stream and may be called at any time.
type Stream interface {
	Next() (string, error)
	Close() error
}

// Source opens reply streams.
type Source interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// ─── upstream SSE client ─────────────────────────────────────────────────────

// Client is a [Source] that posts to a chat stream endpoint and decodes its
// server-sent events.
type Client struct {
	url  string
	http *http.Client
}

var _ Source = (*Client)(nil)

// ClientOption configures a [Client].
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a Client for the stream endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{url: url, http: http.DefaultClient}
	for _, o := range opts {
		o(c)
	}
	return c
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamBody struct {
	Message      string        `json:"message"`
	History      []wireMessage `json:"history"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Open implements [Source]. Cancelling ctx aborts the request and the body
// read.
func (c *Client) Open(ctx context.Context, req Request) (Stream, error) {
	body := streamBody{Message: req.Message, SystemPrompt: req.SystemPrompt, History: []wireMessage{}}
	for _, m := range req.History {
		body.History = append(body.History, wireMessage{Role: m.Role, Content: m.Content})
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("chat: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("chat: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat: post %s: %w", c.url, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var eb errorBody
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("chat: upstream status %d: %s", resp.StatusCode, eb.Error)
	}
	return NewReader(resp.Body), nil
}

// ─── direct provider source ──────────────────────────────────────────────────

// ProviderSource is a [Source] that streams straight from an [llm.Provider].
type ProviderSource struct {
	provider    llm.Provider
	temperature float64
	maxTokens   int
}

var _ Source = (*ProviderSource)(nil)

// NewProviderSource returns a ProviderSource. Zero temperature and maxTokens
// leave the provider defaults.
func NewProviderSource(p llm.Provider, temperature float64, maxTokens int) *ProviderSource {
	return &ProviderSource{provider: p, temperature: temperature, maxTokens: maxTokens}
}

// Open implements [Source].
func (s *ProviderSource) Open(ctx context.Context, req Request) (Stream, error) {
	msgs := make([]llm.Message, 0, len(req.History)+1)
	msgs = append(msgs, req.History...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req.Message})

	ctx, cancel := context.WithCancel(ctx)
	ch, err := s.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: req.SystemPrompt,
		Temperature:  s.temperature,
		MaxTokens:    s.maxTokens,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("chat: start completion: %w", err)
	}
	return &chunkStream{ctx: ctx, cancel: cancel, ch: ch}, nil
}

type chunkStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     <-chan llm.Chunk
}

func (s *chunkStream) Next() (string, error) {
	for {
		chunk, ok := <-s.ch
		if !ok {
			if err := s.ctx.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		if chunk.FinishReason == llm.FinishReasonError {
			return "", &UpstreamError{Message: chunk.Text}
		}
		if chunk.Text != "" {
			return chunk.Text, nil
		}
		if chunk.FinishReason != "" {
			return "", io.EOF
		}
	}
}

func (s *chunkStream) Close() error {
	s.cancel()
	go func() {
		for range s.ch {
		}
	}()
	return nil
}

// isEOF reports whether err ends a stream normally.
func isEOF(err error) bool { return errors.Is(err, io.EOF) }
