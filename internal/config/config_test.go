package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestApplyOverrides(t *testing.T) {
	cfg := &Config{
		Provider: "anthropic",
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		OpenAI: OpenAIConfig{
			Model: "gpt-5.2",
		},
	}

	cfg.ApplyOverrides("openai", "gpt-4o")
	if cfg.Provider != "openai" {
		t.Fatalf("provider=%q, want %q", cfg.Provider, "openai")
	}
	if cfg.OpenAI.Model != "gpt-4o" {
		t.Fatalf("openai model=%q, want %q", cfg.OpenAI.Model, "gpt-4o")
	}
	if cfg.Anthropic.Model != "claude-sonnet-4-5" {
		t.Fatalf("anthropic model changed unexpectedly: %q", cfg.Anthropic.Model)
	}

	cfg.ApplyOverrides("", "gpt-4.1-mini")
	if cfg.Provider != "openai" {
		t.Fatalf("provider changed unexpectedly: %q", cfg.Provider)
	}
	if got := cfg.ActiveModel(); got != "gpt-4.1-mini" {
		t.Fatalf("active model=%q, want %q", got, "gpt-4.1-mini")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	cfg, err := load(viper.New(), t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("provider=%q, want anthropic", cfg.Provider)
	}
	if !cfg.ToolLoop.Enabled || cfg.ToolLoop.MaxIterations != 10 {
		t.Errorf("tool loop=%+v, want enabled with 10 iterations", cfg.ToolLoop)
	}
	if cfg.Retry.BaseBackoff != time.Second || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry=%+v", cfg.Retry)
	}
	if cfg.Anthropic.APIKey != "sk-test" {
		t.Errorf("api key=%q, want env fallback", cfg.Anthropic.APIKey)
	}
	if len(cfg.Tools.Enabled) != 1 || cfg.Tools.Enabled[0] != "*" {
		t.Errorf("tools.enabled=%v, want [*]", cfg.Tools.Enabled)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COMPAT_TOKEN", "secret")
	content := `provider: openai_compat
openai_compat:
  base_url: http://localhost:1234/v1
  model: qwen3
  api_key: ${COMPAT_TOKEN}
tool_loop:
  max_iterations: 3
  system_prompt: be brief
retry:
  base_backoff: 250ms
tools:
  enabled: ["read_*", "glob"]
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(viper.New(), dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider != "openai_compat" || cfg.ActiveModel() != "qwen3" {
		t.Errorf("provider=%q model=%q", cfg.Provider, cfg.ActiveModel())
	}
	if cfg.OpenAICompat.APIKey != "secret" {
		t.Errorf("api key=%q, want expanded env", cfg.OpenAICompat.APIKey)
	}
	if cfg.ToolLoop.MaxIterations != 3 || cfg.ToolLoop.SystemPrompt != "be brief" {
		t.Errorf("tool loop=%+v", cfg.ToolLoop)
	}
	if !cfg.ToolLoop.Enabled {
		t.Error("tool loop should stay enabled by default")
	}
	if cfg.Retry.BaseBackoff != 250*time.Millisecond {
		t.Errorf("base backoff=%v, want 250ms", cfg.Retry.BaseBackoff)
	}
	if len(cfg.Tools.Enabled) != 2 {
		t.Errorf("tools.enabled=%v", cfg.Tools.Enabled)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("provider: carrier-pigeon\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := load(viper.New(), dir); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TS_VALUE", "v")
	tests := map[string]string{
		"${TS_VALUE}": "v",
		"$TS_VALUE":   "v",
		"plain":       "plain",
		"":            "",
	}
	for in, want := range tests {
		if got := expandEnv(in); got != want {
			t.Errorf("expandEnv(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestGetConfigDirHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := GetConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != filepath.Join("/tmp/xdg", "toolstream") {
		t.Errorf("dir=%q", dir)
	}
}
