package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrNoFlusher is returned when the response writer cannot stream.
var ErrNoFlusher = errors.New("chatapi: response writer does not support flushing")

// SSEWriter writes data-only server-sent events and flushes after each.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for streaming. Headers are set but not written.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrNoFlusher
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &SSEWriter{w: w, flusher: f}, nil
}

// Send writes v as one JSON data frame.
func (sw *SSEWriter) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sw.raw(b)
}

// Done writes the [DONE] sentinel.
func (sw *SSEWriter) Done() error { return sw.raw([]byte("[DONE]")) }

// Ping writes a comment line that keeps idle proxies from closing the stream.
func (sw *SSEWriter) Ping() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprint(sw.w, ": ping\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *SSEWriter) raw(b []byte) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", b); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
