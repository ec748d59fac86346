// Package chatapi serves the chat routes: a simplified streaming endpoint
// used by the avatar bridge and frontends, and a messages endpoint that
// replies either streamed or in one piece.
//
// Streams are server-sent events of data-only JSON frames. Errors are JSON
// objects of the form {"success":false,"error":"..."}.
package chatapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/hallguide/internal/chat"
	"github.com/MrWong99/hallguide/internal/observe"
	"github.com/MrWong99/hallguide/pkg/provider/llm"
)

// maxBodyBytes bounds a request body.
const maxBodyBytes = 1 << 20

// Handler serves the chat routes. It is safe for concurrent use.
type Handler struct {
	provider     llm.Provider
	providerName string
	production   bool
	timeout      time.Duration
	metrics      *observe.Metrics
}

// Option configures a [Handler].
type Option func(*Handler)

// WithProduction hides internal error text from clients.
func WithProduction(on bool) Option {
	return func(h *Handler) { h.production = on }
}

// WithRequestTimeout bounds one model call. Zero means no bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithProviderName labels provider metrics.
func WithProviderName(name string) Option {
	return func(h *Handler) { h.providerName = name }
}

// New returns a Handler answering with p.
func New(p llm.Provider, opts ...Option) *Handler {
	h := &Handler{provider: p, providerName: "llm"}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// Register adds the chat routes and the API index to mux. Without a provider
// only the index is served.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api", h.Index)
	if h.provider == nil {
		return
	}
	mux.HandleFunc("POST /api/chat/stream", h.Stream)
	mux.HandleFunc("POST /api/chat", h.Chat)
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamRequest struct {
	Message      json.RawMessage `json:"message"`
	History      []wireMessage   `json:"history"`
	SystemPrompt json.RawMessage `json:"systemPrompt"`
}

type chatRequest struct {
	Messages []json.RawMessage `json:"messages"`
	Stream   *bool             `json:"stream"`
}

type textFrame struct {
	Text string `json:"text"`
}

type chunkFrame struct {
	Chunk string `json:"chunk"`
}

type doneFrame struct {
	Done     bool   `json:"done"`
	FullText string `json:"fullText"`
}

type errorFrame struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type chatResponse struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
}

// DecodeBody decodes a bounded JSON body into v. Failures are 400s.
func DecodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return BadRequest(msgInvalidBody)
	}
	return nil
}

// rawString returns raw as a string when it holds a JSON string.
func rawString(raw json.RawMessage) (string, bool) {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return "", false
	}
	return s, true
}

func validRole(role string) bool {
	switch role {
	case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
		return true
	}
	return false
}

// Stream handles POST /api/chat/stream with body
// {"message": "...", "history": [...], "systemPrompt": "..."}. It answers with
// {"text": ...} frames followed by [DONE].
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	var body streamRequest
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, r, err, h.production)
		return
	}
	message, ok := rawString(body.Message)
	if !ok || message == "" {
		WriteError(w, r, BadRequest(msgInvalidMessage), h.production)
		return
	}
	history := make([]llm.Message, 0, len(body.History))
	for _, m := range body.History {
		if !validRole(m.Role) || m.Content == "" {
			continue
		}
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	history = chat.FilterStopped(history)
	history = append(history, llm.Message{Role: llm.RoleUser, Content: message})
	system, _ := rawString(body.SystemPrompt)

	h.stream(w, r, llm.CompletionRequest{Messages: history, SystemPrompt: system}, func(sw *SSEWriter, text string) error {
		return sw.Send(textFrame{Text: text})
	}, func(sw *SSEWriter, _ string) error {
		return sw.Done()
	})
}

// Chat handles POST /api/chat with body {"messages": [...], "stream": bool}.
// Streaming replies are {"chunk": ...} frames closed by
// {"done": true, "fullText": ...}; otherwise {"success": true, "response": ...}.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := DecodeBody(r, &body); err != nil {
		WriteError(w, r, err, h.production)
		return
	}
	if len(body.Messages) == 0 {
		WriteError(w, r, BadRequest(msgInvalidMessages), h.production)
		return
	}
	msgs := make([]llm.Message, 0, len(body.Messages))
	for _, raw := range body.Messages {
		var m wireMessage
		if json.Unmarshal(raw, &m) != nil || !validRole(m.Role) || m.Content == "" {
			WriteError(w, r, BadRequest(msgBadMessage), h.production)
			return
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	req := llm.CompletionRequest{Messages: msgs}

	if body.Stream == nil || *body.Stream {
		h.stream(w, r, req, func(sw *SSEWriter, text string) error {
			return sw.Send(chunkFrame{Chunk: text})
		}, func(sw *SSEWriter, full string) error {
			return sw.Send(doneFrame{Done: true, FullText: full})
		})
		return
	}

	ctx, cancel := h.callContext(r.Context())
	defer cancel()
	resp, err := h.provider.Complete(ctx, req)
	if err != nil {
		h.metrics.RecordProviderError(ctx, h.providerName)
		h.metrics.RecordProviderRequest(ctx, h.providerName, "error")
		WriteError(w, r, err, h.production)
		return
	}
	h.metrics.RecordProviderRequest(ctx, h.providerName, "ok")
	WriteJSON(w, http.StatusOK, chatResponse{Success: true, Response: resp.Content})
}

func (h *Handler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.timeout > 0 {
		return context.WithTimeout(ctx, h.timeout)
	}
	return context.WithCancel(ctx)
}

// stream relays a model stream as server-sent events. Failures before the
// first frame are answered as JSON errors; later ones as an error frame.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req llm.CompletionRequest,
	frame func(*SSEWriter, string) error, done func(*SSEWriter, string) error) {
	ctx, cancel := h.callContext(r.Context())
	defer cancel()
	log := observe.Logger(ctx)

	sw, err := NewSSEWriter(w)
	if err != nil {
		WriteError(w, r, err, h.production)
		return
	}
	start := time.Now()
	ch, err := h.provider.StreamCompletion(ctx, req)
	if err != nil {
		h.metrics.RecordProviderError(ctx, h.providerName)
		h.metrics.RecordProviderRequest(ctx, h.providerName, "error")
		w.Header().Del("Content-Type")
		WriteError(w, r, err, h.production)
		return
	}
	w.WriteHeader(http.StatusOK)

	var full strings.Builder
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishReasonError {
			h.metrics.RecordProviderError(ctx, h.providerName)
			h.metrics.RecordProviderRequest(ctx, h.providerName, "error")
			log.Warn("chatapi: stream failed mid-reply", "err", chunk.Text, "chars", full.Len())
			msg := chunk.Text
			if h.production {
				msg = msgInternal
			}
			_ = sw.Send(errorFrame{Error: msg})
			return
		}
		if chunk.Text == "" {
			continue
		}
		full.WriteString(chunk.Text)
		if err := frame(sw, chunk.Text); err != nil {
			log.Debug("chatapi: client went away", "err", err)
			cancel()
			for range ch {
			}
			return
		}
	}
	if err := ctx.Err(); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn("chatapi: stream timed out", "after", time.Since(start))
		}
		return
	}
	h.metrics.RecordProviderRequest(ctx, h.providerName, "ok")
	if err := done(sw, full.String()); err != nil {
		slog.Debug("chatapi: write done frame", "err", err)
	}
}

type indexResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// Index handles GET /api with a list of the route groups.
func (h *Handler) Index(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, indexResponse{
		Name:    "城市展厅智能讲解系统 API",
		Version: "1.0.0",
		Endpoints: map[string]string{
			"chat":         "/api/chat/*",
			"avatar":       "/api/avatar/*",
			"conversation": "/api/conversation/*",
		},
	})
}
