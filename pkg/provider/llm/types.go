package llm

import "strings"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the turn.
	Content string
}

// ModelCapabilities describes what a model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens generated in one completion.
	MaxOutputTokens int

	// SupportsStreaming indicates the model streams completions.
	SupportsStreaming bool
}

// CapabilitiesFor returns best-effort capabilities for a model name. Unknown
// models receive conservative defaults.
func CapabilitiesFor(model string) ModelCapabilities {
	caps := ModelCapabilities{
		ContextWindow:     32_768,
		MaxOutputTokens:   4_096,
		SupportsStreaming: true,
	}

	lower := strings.ToLower(model)
	switch {
	// ModelScope hosted Qwen families.
	case strings.Contains(lower, "qwen3"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "qwen2.5"):
		caps.ContextWindow = 131_072
		caps.MaxOutputTokens = 8_192
	case strings.Contains(lower, "deepseek"):
		caps.ContextWindow = 65_536
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gpt-4o"):
		caps.ContextWindow = 128_000
		caps.MaxOutputTokens = 16_384
	case strings.HasPrefix(lower, "claude"):
		caps.ContextWindow = 200_000
		caps.MaxOutputTokens = 8_192
	case strings.HasPrefix(lower, "gemini"):
		caps.ContextWindow = 1_048_576
		caps.MaxOutputTokens = 8_192
	}
	return caps
}
