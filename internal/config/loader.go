package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/hallguide/internal/avatar"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"modelscope", "openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Environment variables consulted by [ApplyEnv].
const (
	EnvAppID       = "HALLGUIDE_APP_ID"
	EnvAppSecret   = "HALLGUIDE_APP_SECRET"
	EnvAPIKey      = "HALLGUIDE_API_KEY"
	EnvPostgresDSN = "HALLGUIDE_POSTGRES_DSN"
	EnvModelScope  = "MODELSCOPE_API_KEY"
	EnvPort        = "PORT"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte, lookup func(string) (string, bool)) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg, lookup)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overwrites secrets in cfg with any set, non-empty environment
// variable. lookup is usually [os.LookupEnv].
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Credentials.AppID, EnvAppID)
	set(&cfg.Credentials.AppSecret, EnvAppSecret)
	set(&cfg.Credentials.APIKey, EnvAPIKey)
	set(&cfg.Memory.PostgresDSN, EnvPostgresDSN)

	if v, ok := lookup(EnvModelScope); ok && v != "" {
		if cfg.Credentials.APIKey == "" {
			cfg.Credentials.APIKey = v
		}
		if cfg.Providers.LLM.APIKey == "" {
			cfg.Providers.LLM.APIKey = v
		}
	}
	if v, ok := lookup(EnvPort); ok && v != "" && cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":" + v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Avatar
	a := cfg.Avatar
	switch a.BudgetReset {
	case "", avatar.BudgetResetOnConnect, avatar.BudgetResetOnDisconnect:
	default:
		errs = append(errs, fmt.Errorf("avatar.budget_reset %q is invalid; valid values: connect, disconnect", a.BudgetReset))
	}
	if a.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("avatar.max_attempts %d must not be negative", a.MaxAttempts))
	}
	for _, d := range []struct {
		name string
		v    Duration
	}{
		{"retry_backoff", a.RetryBackoff},
		{"settle_delay", a.SettleDelay},
		{"release_delay", a.ReleaseDelay},
		{"reconnect_delay", a.ReconnectDelay},
		{"probe_interval", a.ProbeInterval},
		{"probe_timeout", a.ProbeTimeout},
		{"greeting_delay", a.GreetingDelay},
		{"speak_timeout", a.SpeakTimeout},
	} {
		if d.v < 0 {
			errs = append(errs, fmt.Errorf("avatar.%s %s must not be negative", d.name, d.v.Std()))
		}
	}
	if a.ProbeInterval > 0 && a.ProbeTimeout > 0 && a.ProbeInterval > a.ProbeTimeout {
		errs = append(errs, fmt.Errorf("avatar.probe_interval %s exceeds probe_timeout %s", a.ProbeInterval.Std(), a.ProbeTimeout.Std()))
	}
	if a.GatewayServer != "" {
		if u, err := url.Parse(a.GatewayServer); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("avatar.gateway_server %q is not an absolute URL", a.GatewayServer))
		}
	}

	// Chat
	c := cfg.Chat
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("chat.upstream_url %q must be an absolute http(s) URL", c.UpstreamURL))
		}
	}
	if c.HistoryLimit < 0 {
		errs = append(errs, fmt.Errorf("chat.history_limit %d must not be negative", c.HistoryLimit))
	}
	if c.SegmentRunes < 0 {
		errs = append(errs, fmt.Errorf("chat.segment_runes %d must not be negative", c.SegmentRunes))
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("chat.request_timeout %s must not be negative", c.RequestTimeout.Std()))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", c.Temperature))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.Providers.LLMFallbacks) > 0 && cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm_fallbacks requires providers.llm to be configured"))
	}
	if cfg.Providers.LLM.Name == "" && c.UpstreamURL == "" {
		slog.Warn("neither providers.llm nor chat.upstream_url is configured; the guide will not be able to answer")
	}

	// Telemetry
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	// Memory
	if cfg.Memory.PostgresDSN == "" {
		slog.Debug("memory.postgres_dsn is empty; transcripts will not be persisted")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
