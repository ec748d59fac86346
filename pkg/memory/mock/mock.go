// Package mock provides an in-memory test double for [memory.TranscriptStore].
//
// The mock records every method call for assertion in tests and keeps written
// turns in memory so History and GetRecent return what was written. It is safe
// for concurrent use.
//
// Typical usage:
//
//	store := &mock.TranscriptStore{}
//	// inject store into the system under test …
//	if got := store.CallCount("WriteTurn"); got != 2 {
//	    t.Errorf("expected 2 WriteTurn calls, got %d", got)
//	}
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/hallguide/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// TranscriptStore is a configurable test double for [memory.TranscriptStore].
// All exported *Err fields default to nil (success).
type TranscriptStore struct {
	mu sync.Mutex

	calls []Call
	turns []memory.Turn

	// WriteTurnErr is returned by [TranscriptStore.WriteTurn] when non-nil.
	// Failed writes are not stored.
	WriteTurnErr error

	// GetRecentErr is returned by [TranscriptStore.GetRecent] when non-nil.
	GetRecentErr error

	// HistoryErr is returned by [TranscriptStore.History] when non-nil.
	HistoryErr error

	// SearchErr is returned by [TranscriptStore.Search] when non-nil.
	SearchErr error
}

var _ memory.TranscriptStore = (*TranscriptStore)(nil)

// Calls returns a copy of all recorded method invocations.
func (m *TranscriptStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *TranscriptStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Turns returns a copy of every stored turn in write order.
func (m *TranscriptStore) Turns() []memory.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]memory.Turn, len(m.turns))
	copy(out, m.turns)
	return out
}

// Reset clears recorded calls and stored turns.
func (m *TranscriptStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.turns = nil
}

// WriteTurn implements [memory.TranscriptStore].
func (m *TranscriptStore) WriteTurn(_ context.Context, turn memory.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteTurn", Args: []any{turn}})
	if m.WriteTurnErr != nil {
		return m.WriteTurnErr
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	m.turns = append(m.turns, turn)
	return nil
}

// GetRecent implements [memory.TranscriptStore].
func (m *TranscriptStore) GetRecent(_ context.Context, conversationID string, duration time.Duration) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "GetRecent", Args: []any{conversationID, duration}})
	if m.GetRecentErr != nil {
		return nil, m.GetRecentErr
	}
	cutoff := time.Now().Add(-duration)
	out := []memory.Turn{}
	for _, t := range m.turns {
		if t.ConversationID == conversationID && !t.Timestamp.Before(cutoff) {
			out = append(out, t)
		}
	}
	return out, nil
}

// History implements [memory.TranscriptStore].
func (m *TranscriptStore) History(_ context.Context, conversationID string, limit int) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "History", Args: []any{conversationID, limit}})
	if m.HistoryErr != nil {
		return nil, m.HistoryErr
	}
	out := []memory.Turn{}
	for _, t := range m.turns {
		if t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Search implements [memory.TranscriptStore] with a substring match.
func (m *TranscriptStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	out := []memory.Turn{}
	for _, t := range m.turns {
		switch {
		case !strings.Contains(t.Content, query):
		case opts.ConversationID != "" && t.ConversationID != opts.ConversationID:
		case opts.Role != "" && t.Role != opts.Role:
		case !opts.After.IsZero() && !t.Timestamp.After(opts.After):
		case !opts.Before.IsZero() && !t.Timestamp.Before(opts.Before):
		default:
			out = append(out, t)
		}
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}
