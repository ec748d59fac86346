package main

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/hallguide/internal/config"
	"github.com/MrWong99/hallguide/internal/resilience"
	"github.com/MrWong99/hallguide/pkg/provider/llm/openai"
)

func TestRegisterBuiltinProviders_Names(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	got := reg.LLMNames()
	for _, want := range config.ValidProviderNames["llm"] {
		if !slices.Contains(got, want) {
			t.Errorf("provider %q not registered; have %v", want, got)
		}
	}
}

func TestBuildProviders(t *testing.T) {
	tests := []struct {
		name      string
		providers config.ProvidersConfig
		wantLLM   bool
		wantName  string
		wantErr   bool
	}{
		{
			name: "nothing configured",
		},
		{
			name:      "unregistered name is skipped",
			providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "vendor-x"}},
		},
		{
			name:      "modelscope without key fails",
			providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "modelscope"}},
			wantErr:   true,
		},
		{
			name:      "modelscope with default model",
			providers: config.ProvidersConfig{LLM: config.ProviderEntry{Name: "modelscope", APIKey: "ms-key"}},
			wantLLM:   true,
			wantName:  "modelscope",
		},
		{
			name: "fallbacks wrap the primary",
			providers: config.ProvidersConfig{
				LLM:          config.ProviderEntry{Name: "modelscope", APIKey: "ms-key"},
				LLMFallbacks: []config.ProviderEntry{{Name: "openai", APIKey: "oa-key", Model: "gpt-4o-mini"}},
			},
			wantLLM:  true,
			wantName: "modelscope",
		},
		{
			name: "broken fallback fails",
			providers: config.ProvidersConfig{
				LLM:          config.ProviderEntry{Name: "modelscope", APIKey: "ms-key"},
				LLMFallbacks: []config.ProviderEntry{{Name: "openai"}},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			cfg := &config.Config{Providers: tt.providers}

			ps, err := buildProviders(cfg, reg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("buildProviders() error: %v", err)
			}
			if (ps.LLM != nil) != tt.wantLLM {
				t.Fatalf("LLM set = %v, want %v", ps.LLM != nil, tt.wantLLM)
			}
			if ps.LLMName != tt.wantName {
				t.Errorf("LLMName = %q, want %q", ps.LLMName, tt.wantName)
			}
			_, isGroup := ps.LLM.(*resilience.LLMFallback)
			if wantGroup := len(tt.providers.LLMFallbacks) > 0; isGroup != wantGroup {
				t.Errorf("fallback group = %v, want %v", isGroup, wantGroup)
			}
			if tt.wantLLM && !isGroup {
				if _, ok := ps.LLM.(*openai.Provider); !ok {
					t.Errorf("LLM type = %T, want *openai.Provider", ps.LLM)
				}
			}
		})
	}
}

func TestOptDuration(t *testing.T) {
	tests := []struct {
		opts   map[string]any
		want   time.Duration
		wantOK bool
	}{
		{nil, 0, false},
		{map[string]any{"timeout": "90s"}, 90 * time.Second, true},
		{map[string]any{"timeout": "soon"}, 0, false},
		{map[string]any{"timeout": 90}, 0, false},
	}
	for _, tt := range tests {
		got, ok := optDuration(tt.opts, "timeout")
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("optDuration(%v) = %v, %v; want %v, %v", tt.opts, got, ok, tt.want, tt.wantOK)
		}
	}
}
