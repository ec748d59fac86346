// Package config provides the configuration schema, loader, and provider registry
// for the hall guide server.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/hallguide/internal/avatar"
)

// LogLevel controls log verbosity for the server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto a [slog.Level]. Unknown and empty levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Duration wraps [time.Duration] so YAML can carry values like "2s" or "500ms".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders d with [time.Duration.String].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Avatar      AvatarConfig      `yaml:"avatar"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Chat        ChatConfig        `yaml:"chat"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Memory      MemoryConfig      `yaml:"memory"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":3001").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Production hides internal error text from API clients.
	Production bool `yaml:"production"`

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AvatarConfig tunes the avatar connection controller. Zero values fall back
// to [avatar.DefaultConfig].
type AvatarConfig struct {
	ContainerID    string   `yaml:"container_id"`
	GatewayServer  string   `yaml:"gateway_server"`
	EnableLogger   bool     `yaml:"enable_logger"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
	SettleDelay    Duration `yaml:"settle_delay"`
	ReleaseDelay   Duration `yaml:"release_delay"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	ProbeInterval  Duration `yaml:"probe_interval"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`

	// Greeting is spoken once the avatar renders. SkipGreeting disables it.
	Greeting      string   `yaml:"greeting"`
	SkipGreeting  bool     `yaml:"skip_greeting"`
	GreetingDelay Duration `yaml:"greeting_delay"`

	SpeakTimeout Duration `yaml:"speak_timeout"`

	// BudgetReset is "connect" or "disconnect".
	BudgetReset avatar.BudgetReset `yaml:"budget_reset"`

	FatalInitCodes []int `yaml:"fatal_init_codes"`
	WarningCodes   []int `yaml:"warning_codes"`

	// BridgeOrigins lists origin patterns accepted on the engine bridge
	// websocket. Empty accepts same-origin only.
	BridgeOrigins []string `yaml:"bridge_origins"`
}

// Controller converts a into the controller's own configuration.
func (a AvatarConfig) Controller() avatar.Config {
	return avatar.Config{
		ContainerID:    a.ContainerID,
		GatewayServer:  a.GatewayServer,
		EnableLogger:   a.EnableLogger,
		MaxAttempts:    a.MaxAttempts,
		RetryBackoff:   a.RetryBackoff.Std(),
		SettleDelay:    a.SettleDelay.Std(),
		ReleaseDelay:   a.ReleaseDelay.Std(),
		ReconnectDelay: a.ReconnectDelay.Std(),
		ProbeInterval:  a.ProbeInterval.Std(),
		ProbeTimeout:   a.ProbeTimeout.Std(),
		Greeting:       a.Greeting,
		SkipGreeting:   a.SkipGreeting,
		GreetingDelay:  a.GreetingDelay.Std(),
		SpeakTimeout:   a.SpeakTimeout.Std(),
		BudgetReset:    a.BudgetReset,
		FatalInitCodes: a.FatalInitCodes,
		WarningCodes:   a.WarningCodes,
	}
}

// CredentialsConfig holds the engine gateway and model API keys. Every field
// can be overridden from the environment, see [ApplyEnv].
type CredentialsConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	APIKey    string `yaml:"api_key"`
	TestMode  bool   `yaml:"test_mode"`
}

// Avatar converts c into [avatar.Credentials].
func (c CredentialsConfig) Avatar() avatar.Credentials {
	return avatar.Credentials{AppID: c.AppID, AppSecret: c.AppSecret, APIKey: c.APIKey, TestMode: c.TestMode}
}

// ChatConfig configures the streaming reply path.
type ChatConfig struct {
	// UpstreamURL points at an external SSE chat endpoint. When empty the
	// configured LLM provider is called directly.
	UpstreamURL string `yaml:"upstream_url"`

	SystemPrompt string `yaml:"system_prompt"`

	// HistoryLimit bounds the kept conversation in question/answer pairs.
	HistoryLimit int `yaml:"history_limit"`

	RequestTimeout Duration `yaml:"request_timeout"`

	// SegmentRunes caps a spoken chunk that has no sentence boundary.
	SegmentRunes int `yaml:"segment_runes"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ProvidersConfig selects the LLM implementation.
type ProvidersConfig struct {
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when the primary provider fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "modelscope").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig configures transcript persistence.
type MemoryConfig struct {
	// PostgresDSN enables the PostgreSQL transcript store when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// TelemetryConfig configures the OpenTelemetry resource.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`

	// Kiosk labels every metric series and span from this process.
	Kiosk string `yaml:"kiosk"`

	// TraceSampleRatio is the share of new traces recorded. Zero records
	// all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}
