package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// GreetingChanged covers both the text and the skip flag.
	GreetingChanged bool
	NewGreeting     string
	SkipGreeting    bool

	SystemPromptChanged bool
	NewSystemPrompt     string

	// RestartRequired lists changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.GreetingChanged && !d.SystemPromptChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Avatar.Greeting != new.Avatar.Greeting || old.Avatar.SkipGreeting != new.Avatar.SkipGreeting {
		d.GreetingChanged = true
		d.NewGreeting = new.Avatar.Greeting
		d.SkipGreeting = new.Avatar.SkipGreeting
	}

	if old.Chat.SystemPrompt != new.Chat.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Chat.SystemPrompt
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameEntry(old.Providers.LLM, new.Providers.LLM) || len(old.Providers.LLMFallbacks) != len(new.Providers.LLMFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	} else {
		for i := range old.Providers.LLMFallbacks {
			if !sameEntry(old.Providers.LLMFallbacks[i], new.Providers.LLMFallbacks[i]) {
				d.RestartRequired = append(d.RestartRequired, "providers")
				break
			}
		}
	}
	if old.Chat.UpstreamURL != new.Chat.UpstreamURL {
		d.RestartRequired = append(d.RestartRequired, "chat.upstream_url")
	}
	if old.Memory.PostgresDSN != new.Memory.PostgresDSN {
		d.RestartRequired = append(d.RestartRequired, "memory.postgres_dsn")
	}

	return d
}

// sameEntry compares the scalar fields of two provider entries. Options are
// ignored.
func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
