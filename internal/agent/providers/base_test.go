package providers

import (
	"testing"

	"github.com/haasonsaas/parley/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		provider string
		wantName string
		wantErr  bool
	}{
		{provider: "", wantName: "anthropic"},
		{provider: "anthropic", wantName: "anthropic"},
		{provider: "openai", wantName: "openai"},
		{provider: "gemini", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			m, err := New(config.LLMConfig{Provider: tt.provider, APIKey: "k"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if m.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", m.Name(), tt.wantName)
			}
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{MaxRetries: -1}.withDefaults("m")
	if cfg.MaxRetries != 0 || cfg.Model != "m" || cfg.Timeout == 0 || cfg.RetryDelay == 0 {
		t.Errorf("withDefaults() = %+v", cfg)
	}
}
