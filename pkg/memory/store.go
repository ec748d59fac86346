// Package memory defines the transcript store that keeps the guide's
// conversations.
//
// A [Turn] is one message of a conversation: a visitor question, a guide
// reply, or the placeholder left when a visitor stopped a reply part way.
// Turns are grouped by conversation ID and carry the avatar session that
// spoke them, so a transcript can be replayed next to connection logs.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// StoppedPlaceholder is recorded as the assistant turn of a reply the visitor
// stopped before it finished.
const StoppedPlaceholder = "__STOPPED__"

// Turn is a single recorded conversation message.
type Turn struct {
	// ConversationID groups the turns of one visitor conversation.
	ConversationID string

	// AvatarSessionID is the avatar session live when the turn was recorded.
	// Empty when no avatar was connected.
	AvatarSessionID string

	// Role is "user", "assistant" or "system".
	Role string

	// Content is the message text as sent to or received from the model.
	Content string

	// Stopped marks an assistant turn cut short by the visitor.
	Stopped bool

	// Timestamp is when the turn was recorded.
	Timestamp time.Time

	// Duration is how long the model took to produce an assistant turn.
	Duration time.Duration
}

// SearchOpts configures a full-text search over recorded turns. All non-zero
// fields are applied as AND conditions.
type SearchOpts struct {
	// ConversationID restricts the search to one conversation.
	ConversationID string

	// Role restricts results to one role.
	Role string

	// After filters turns recorded after this instant (exclusive).
	After time.Time

	// Before filters turns recorded before this instant (exclusive).
	Before time.Time

	// Limit caps the number of results. Zero lets the implementation decide.
	Limit int
}

// TranscriptStore persists conversation turns.
type TranscriptStore interface {
	// WriteTurn appends turn to its conversation.
	WriteTurn(ctx context.Context, turn Turn) error

	// GetRecent returns the turns of conversationID recorded within the last
	// duration, oldest first.
	GetRecent(ctx context.Context, conversationID string, duration time.Duration) ([]Turn, error)

	// History returns the last limit turns of conversationID, oldest first.
	// limit <= 0 returns the whole conversation.
	History(ctx context.Context, conversationID string, limit int) ([]Turn, error)

	// Search returns turns whose content matches query.
	Search(ctx context.Context, query string, opts SearchOpts) ([]Turn, error)
}
