package chat

import (
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/hallguide/pkg/memory"
	"github.com/MrWong99/hallguide/pkg/provider/llm"
)

// DefaultHistoryLimit is the number of user/assistant pairs a Conversation
// keeps when no limit is given.
const DefaultHistoryLimit = 20

// Conversation is the system prompt plus the ordered visitor/guide turns of
// one conversation. It is safe for concurrent use.
type Conversation struct {
	mu     sync.Mutex
	id     string
	system string
	turns  []llm.Message
	limit  int
}

// NewConversation returns an empty Conversation. historyLimit caps the kept
// user/assistant pairs; <= 0 selects [DefaultHistoryLimit].
func NewConversation(systemPrompt string, historyLimit int) *Conversation {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Conversation{id: uuid.NewString(), system: systemPrompt, limit: historyLimit}
}

// ID identifies the conversation in the transcript store. It changes on
// [Conversation.Clear].
func (c *Conversation) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SystemPrompt returns the current system prompt.
func (c *Conversation) SystemPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.system
}

// SetSystemPrompt replaces the system prompt without touching the history.
func (c *Conversation) SetSystemPrompt(prompt string) {
	c.mu.Lock()
	c.system = prompt
	c.mu.Unlock()
}

// AddUser appends a visitor turn.
func (c *Conversation) AddUser(content string) { c.add(llm.RoleUser, content) }

// AddAssistant appends a guide turn.
func (c *Conversation) AddAssistant(content string) { c.add(llm.RoleAssistant, content) }

// AddStopped appends the placeholder for a reply the visitor stopped, which
// keeps user and assistant turns alternating.
func (c *Conversation) AddStopped() { c.add(llm.RoleAssistant, memory.StoppedPlaceholder) }

func (c *Conversation) add(role, content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, llm.Message{Role: role, Content: content})
	if keep := c.limit * 2; len(c.turns) > keep {
		c.turns = append([]llm.Message(nil), c.turns[len(c.turns)-keep:]...)
	}
}

// DropLastUser removes the newest turn if it is a visitor turn without a
// reply. It reports whether a turn was removed.
func (c *Conversation) DropLastUser() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.turns)
	if n == 0 || c.turns[n-1].Role != llm.RoleUser {
		return false
	}
	c.turns = c.turns[:n-1]
	return true
}

// Clear drops the history and starts a new conversation ID. The system prompt
// is kept.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = nil
	c.id = uuid.NewString()
}

// Len returns the number of recorded turns, placeholders included.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.turns)
}

// Messages returns the system prompt (when set) followed by every recorded
// turn, placeholders included.
func (c *Conversation) Messages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, 0, len(c.turns)+1)
	if c.system != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: c.system})
	}
	return append(out, c.turns...)
}

// History returns the turns to send to the model: no system prompt, and no
// stopped exchanges.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return FilterStopped(c.turns)
}

// FilterStopped returns msgs without stopped-reply placeholders and the
// visitor turns they answered. The input is not modified.
func FilterStopped(msgs []llm.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleAssistant && m.Content == memory.StoppedPlaceholder {
			if n := len(out); n > 0 && out[n-1].Role == llm.RoleUser {
				out = out[:n-1]
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
