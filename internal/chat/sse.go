package chat

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// doneSentinel terminates a fragment stream.
const doneSentinel = "[DONE]"

// Reader decodes a server-sent event stream whose data frames each carry one
// text fragment. It accepts {"text":..}, {"content":..}, {"chunk":..} and
// OpenAI-style {"choices":[{"delta":{"content":..}}]} payloads. Frames with
// malformed JSON or no text are skipped. A Reader is not safe for concurrent
// use.
type Reader struct {
	r    *bufio.Reader
	body io.Closer
}

// NewReader returns a Reader over body. Close closes body.
func NewReader(body io.ReadCloser) *Reader {
	return &Reader{r: bufio.NewReader(body), body: body}
}

// Next returns the next non-empty text fragment. It returns io.EOF at the
// [DONE] sentinel, at a {"done":true} frame or at the end of the body, and an
// [UpstreamError] for an {"error":..} frame.
func (r *Reader) Next() (string, error) {
	for {
		payload, err := r.frame()
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(string(payload)) == doneSentinel {
			return "", io.EOF
		}
		text, done, ok, upstream := parseFragment(payload)
		if upstream != "" {
			return "", &UpstreamError{Message: upstream}
		}
		if done {
			return "", io.EOF
		}
		if !ok {
			slog.Debug("chat: skipping malformed stream frame", "payload", string(payload))
			continue
		}
		if text != "" {
			return text, nil
		}
	}
}

// Close closes the underlying body.
func (r *Reader) Close() error {
	if r.body != nil {
		return r.body.Close()
	}
	return nil
}

// frame returns the data of the next event. Multi-line data is joined with
// newlines. Lines that end mid-frame are completed by later reads.
func (r *Reader) frame() ([]byte, error) {
	var data bytes.Buffer
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if data.Len() > 0 {
				return data.Bytes(), nil
			}
			if err == io.EOF {
				return nil, io.EOF
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
		if err == io.EOF {
			if data.Len() == 0 {
				return nil, io.EOF
			}
			return data.Bytes(), nil
		}
	}
}

// UpstreamError is an error reported in-band by the upstream stream.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("chat: upstream error: %s", e.Message)
}

type fragment struct {
	Error   string  `json:"error"`
	Text    *string `json:"text"`
	Content *string `json:"content"`
	Chunk   *string `json:"chunk"`
	Done    bool    `json:"done"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parseFragment extracts the text of one frame. ok is false for malformed
// JSON; upstream holds an in-band error message.
func parseFragment(payload []byte) (text string, done, ok bool, upstream string) {
	var f fragment
	if err := json.Unmarshal(payload, &f); err != nil {
		return "", false, false, ""
	}
	switch {
	case f.Error != "":
		return "", false, true, f.Error
	case f.Text != nil:
		return *f.Text, false, true, ""
	case f.Content != nil:
		return *f.Content, false, true, ""
	case f.Chunk != nil:
		return *f.Chunk, false, true, ""
	case len(f.Choices) > 0:
		return f.Choices[0].Delta.Content, false, true, ""
	}
	return "", f.Done, true, ""
}
