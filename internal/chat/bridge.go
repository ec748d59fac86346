// Package chat streams the guide's replies from the language model to the
// avatar.
//
// A [Bridge] runs one visitor turn at a time: it opens a reply [Stream] from a
// [Source], cuts the tokens into sentence-safe chunks and forwards them to the
// live avatar session as one start/continue/end utterance. [Bridge.Stop]
// cancels the turn and records a placeholder so the history keeps strict
// user/assistant alternation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/hallguide/internal/avatar"
	"github.com/MrWong99/hallguide/internal/observe"
	"github.com/MrWong99/hallguide/internal/speechtext"
	"github.com/MrWong99/hallguide/pkg/memory"
	"github.com/MrWong99/hallguide/pkg/provider/llm"
)

var (
	// ErrBusy is returned by Send while another turn is streaming.
	ErrBusy = errors.New("chat: a reply is already streaming")

	// ErrEmptyMessage is returned by Send for a blank message.
	ErrEmptyMessage = errors.New("chat: message is empty")

	errStopped = errors.New("chat: stopped by visitor")
)

// Turn outcomes recorded in metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeStopped   = "stopped"
	OutcomeError     = "error"
)

// Speaker is the avatar surface a Bridge drives. *avatar.Session satisfies it.
type Speaker interface {
	Speak(text string, isStart, isEnd bool)
	SetState(state avatar.State)
	SetSpeakCompleteCallback(fn func())
}

var _ Speaker = (*avatar.Session)(nil)

// Reply is the result of one turn.
type Reply struct {
	// Text is the full reply as streamed, before speech normalization.
	Text string

	// Stopped reports that the visitor stopped the turn.
	Stopped bool

	// Segments is the number of Speak calls made for the reply.
	Segments int

	// Duration is the time from opening the stream to its end.
	Duration time.Duration
}

// BridgeOption configures a [Bridge].
type BridgeOption func(*Bridge)

// WithSpeaker sets the function returning the avatar to speak through. It is
// consulted at the start of every turn; nil disables speech for that turn.
func WithSpeaker(fn func() Speaker) BridgeOption {
	return func(b *Bridge) { b.speaker = fn }
}

// WithTranscripts persists every turn to store.
func WithTranscripts(store memory.TranscriptStore) BridgeOption {
	return func(b *Bridge) { b.transcripts = store }
}

// WithBridgeMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithBridgeMetrics(m *observe.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = m }
}

// WithSegmentRunes caps the length of one speech chunk.
func WithSegmentRunes(n int) BridgeOption {
	return func(b *Bridge) { b.segmentRunes = n }
}

// WithAvatarSessionID sets the function naming the live avatar session in
// transcripts.
func WithAvatarSessionID(fn func() string) BridgeOption {
	return func(b *Bridge) { b.sessionID = fn }
}

// Bridge relays streamed replies to the avatar. It is safe for concurrent
// use; at most one turn streams at a time.
type Bridge struct {
	source       Source
	conv         *Conversation
	speaker      func() Speaker
	sessionID    func() string
	transcripts  memory.TranscriptStore
	metrics      *observe.Metrics
	segmentRunes int

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// NewBridge returns a Bridge streaming from source into conv.
func NewBridge(source Source, conv *Conversation, opts ...BridgeOption) *Bridge {
	b := &Bridge{source: source, conv: conv}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Conversation returns the conversation the bridge appends to.
func (b *Bridge) Conversation() *Conversation { return b.conv }

// Streaming reports whether a turn is in flight.
func (b *Bridge) Streaming() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancel != nil
}

// Stop cancels the in-flight turn. It reports whether there was one.
func (b *Bridge) Stop() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel == nil {
		return false
	}
	b.cancel(errStopped)
	return true
}

// Send answers message. Tokens are passed to onToken (when non-nil) as they
// arrive and spoken by the avatar in sentence-sized segments.
//
// A turn stopped with [Bridge.Stop] returns a Reply with Stopped set and a nil
// error. On any other failure the visitor turn is removed from the history so
// it can be asked again.
func (b *Bridge) Send(ctx context.Context, message string, onToken func(string)) (Reply, error) {
	if message == "" {
		return Reply{}, ErrEmptyMessage
	}
	b.mu.Lock()
	if b.cancel != nil {
		b.mu.Unlock()
		return Reply{}, ErrBusy
	}
	turnCtx, cancel := context.WithCancelCause(ctx)
	b.cancel = cancel
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.cancel = nil
		b.mu.Unlock()
		cancel(nil)
	}()

	turnCtx, span := observe.StartSpan(turnCtx, "chat.turn",
		trace.WithAttributes(attribute.String("conversation.id", b.conv.ID())))
	defer span.End()

	req := Request{
		Message:      message,
		History:      b.conv.History(),
		SystemPrompt: b.conv.SystemPrompt(),
	}
	b.conv.AddUser(message)
	b.record(turnCtx, memory.Turn{Role: llm.RoleUser, Content: message})

	var sp Speaker
	if b.speaker != nil {
		sp = b.speaker()
	}
	if sp != nil {
		sp.SetState(avatar.StateThink)
	}

	start := time.Now()
	reply, err := b.relay(turnCtx, req, sp, onToken)
	reply.Duration = time.Since(start)

	switch {
	case errors.Is(context.Cause(turnCtx), errStopped):
		reply.Stopped = true
		b.conv.AddStopped()
		b.record(turnCtx, memory.Turn{Role: llm.RoleAssistant, Content: memory.StoppedPlaceholder, Stopped: true, Duration: reply.Duration})
		if sp != nil {
			sp.SetState(avatar.StateInteractiveIdle)
		}
		b.metrics.RecordChatTurn(turnCtx, OutcomeStopped, reply.Duration)
		observe.Logger(turnCtx).Info("chat turn stopped", "chars", len(reply.Text))
		return reply, nil

	case err != nil:
		b.conv.DropLastUser()
		if sp != nil {
			sp.SetState(avatar.StateInteractiveIdle)
		}
		observe.FailSpan(span, err)
		b.metrics.RecordChatTurn(turnCtx, OutcomeError, reply.Duration)
		observe.Logger(turnCtx).Error("chat turn failed", "err", err)
		return reply, err
	}

	if reply.Text != "" {
		b.conv.AddAssistant(reply.Text)
		b.record(turnCtx, memory.Turn{Role: llm.RoleAssistant, Content: reply.Text, Duration: reply.Duration})
	}
	b.metrics.RecordChatTurn(turnCtx, OutcomeCompleted, reply.Duration)
	span.SetAttributes(attribute.Int("chat.segments", reply.Segments))
	return reply, nil
}

// relay streams one reply into sp.
func (b *Bridge) relay(ctx context.Context, req Request, sp Speaker, onToken func(string)) (Reply, error) {
	var reply Reply
	stream, err := b.source.Open(ctx, req)
	if err != nil {
		return reply, err
	}
	defer stream.Close()

	seg := speechtext.NewSegmenter(b.segmentRunes)
	var full []byte
	speak := func(chunk string, isEnd bool) {
		if sp == nil {
			return
		}
		text := speechtext.Normalize(chunk)
		if text == "" && !isEnd {
			return
		}
		if text == "" && reply.Segments == 0 {
			return
		}
		if isEnd {
			sp.SetSpeakCompleteCallback(func() { sp.SetState(avatar.StateInteractiveIdle) })
		}
		sp.Speak(text, reply.Segments == 0, isEnd)
		reply.Segments++
	}

	for {
		token, err := stream.Next()
		if isEOF(err) {
			break
		}
		if err != nil {
			reply.Text = string(full)
			if ctx.Err() != nil {
				return reply, context.Cause(ctx)
			}
			return reply, fmt.Errorf("chat: read stream: %w", err)
		}
		full = append(full, token...)
		if onToken != nil {
			onToken(token)
		}
		for _, chunk := range seg.Push(token) {
			speak(chunk, false)
		}
	}
	reply.Text = string(full)
	if ctx.Err() != nil {
		return reply, context.Cause(ctx)
	}
	speak(seg.Flush(), true)
	return reply, nil
}

func (b *Bridge) record(ctx context.Context, turn memory.Turn) {
	if b.transcripts == nil {
		return
	}
	turn.ConversationID = b.conv.ID()
	if b.sessionID != nil {
		turn.AvatarSessionID = b.sessionID()
	}
	turn.Timestamp = time.Now()
	if err := b.transcripts.WriteTurn(context.WithoutCancel(ctx), turn); err != nil {
		slog.Warn("chat: failed to record turn", "role", turn.Role, "err", err)
	}
}
