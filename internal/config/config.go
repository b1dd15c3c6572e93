package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Provider     string             `mapstructure:"provider"`
	Anthropic    AnthropicConfig    `mapstructure:"anthropic"`
	OpenAI       OpenAIConfig       `mapstructure:"openai"`
	OpenAICompat OpenAICompatConfig `mapstructure:"openai_compat"`
	ToolLoop     ToolLoopConfig     `mapstructure:"tool_loop"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Breaker      BreakerConfig      `mapstructure:"breaker"`
	Serve        ServeConfig        `mapstructure:"serve"`
	Sessions     SessionsConfig     `mapstructure:"sessions"`
	Log          LogConfig          `mapstructure:"log"`
}

type AnthropicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"` // Optional, for proxies
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
	BaseURL string `mapstructure:"base_url"` // Optional, for proxies
}

// OpenAICompatConfig configures a generic OpenAI-compatible server
// such as Ollama or LM Studio.
type OpenAICompatConfig struct {
	BaseURL string            `mapstructure:"base_url"`
	Model   string            `mapstructure:"model"`
	APIKey  string            `mapstructure:"api_key"` // Optional, most local servers ignore it
	Name    string            `mapstructure:"name"`    // Display name
	Headers map[string]string `mapstructure:"headers"`
}

// ToolLoopConfig controls the automatic tool execution loop.
type ToolLoopConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	MaxIterations   int     `mapstructure:"max_iterations"`
	SystemPrompt    string  `mapstructure:"system_prompt"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
	Temperature     float32 `mapstructure:"temperature"`
}

// ToolsConfig selects which tools are registered.
type ToolsConfig struct {
	Enabled  []string `mapstructure:"enabled"`   // Glob patterns, e.g. "read_*"
	Disabled []string `mapstructure:"disabled"`  // Glob patterns applied after enabled
	Manifest string   `mapstructure:"manifest"`  // YAML file declaring client-side tools
	ReadDirs []string `mapstructure:"read_dirs"` // Directories read_file and glob may touch
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Interval    time.Duration `mapstructure:"interval"`
}

// ServeConfig configures the HTTP streaming server.
type ServeConfig struct {
	Addr        string   `mapstructure:"addr"`
	Token       string   `mapstructure:"token"`        // Bearer token, empty disables auth
	CORSOrigins []string `mapstructure:"cors_origins"` // "*" allows any origin
	RateLimit   float64  `mapstructure:"rate_limit"`   // Requests per second, 0 disables
	RateBurst   int      `mapstructure:"rate_burst"`
}

type SessionsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`         // Defaults to $XDG_DATA_HOME/toolstream/sessions.db
	MaxAgeDays int    `mapstructure:"max_age_days"` // 0 keeps sessions forever
	MaxCount   int    `mapstructure:"max_count"`    // 0 is unlimited
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
	Output string `mapstructure:"output"` // stderr, stdout, or a file path
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return load(viper.New(), configPath, ".")
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return decode(v)
}

func load(v *viper.Viper, dirs ...string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("TOOLSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveCredentials(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "anthropic")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5")
	v.SetDefault("openai.model", "gpt-5.2")
	v.SetDefault("openai_compat.base_url", "http://localhost:11434/v1")
	v.SetDefault("openai_compat.name", "openai-compat")

	v.SetDefault("tool_loop.enabled", true)
	v.SetDefault("tool_loop.max_iterations", 10)

	v.SetDefault("tools.enabled", []string{"*"})

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", time.Second)
	v.SetDefault("retry.max_backoff", 30*time.Second)

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.timeout", 30*time.Second)
	v.SetDefault("breaker.interval", time.Minute)

	v.SetDefault("serve.addr", "127.0.0.1:8080")
	v.SetDefault("serve.rate_limit", 0)
	v.SetDefault("serve.rate_burst", 10)

	v.SetDefault("sessions.enabled", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stderr")
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case "anthropic", "openai", "openai_compat":
	default:
		return fmt.Errorf("unknown provider %q (want anthropic, openai or openai_compat)", c.Provider)
	}
	if c.ToolLoop.MaxIterations < 0 {
		return fmt.Errorf("tool_loop.max_iterations must not be negative, got %d", c.ToolLoop.MaxIterations)
	}
	if c.Provider == "openai_compat" && c.OpenAICompat.BaseURL == "" {
		return fmt.Errorf("openai_compat.base_url is required")
	}
	return nil
}

// ApplyOverrides applies provider and model overrides to the config.
// If provider is non-empty, it overrides the global provider.
// If model is non-empty, it overrides the model for the active provider.
func (c *Config) ApplyOverrides(provider, model string) {
	if provider != "" {
		c.Provider = provider
	}
	if model != "" {
		switch c.Provider {
		case "anthropic":
			c.Anthropic.Model = model
		case "openai":
			c.OpenAI.Model = model
		case "openai_compat":
			c.OpenAICompat.Model = model
		}
	}
}

// ActiveModel returns the model configured for the selected provider.
func (c *Config) ActiveModel() string {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic.Model
	case "openai":
		return c.OpenAI.Model
	case "openai_compat":
		return c.OpenAICompat.Model
	}
	return ""
}

func resolveCredentials(cfg *Config) {
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	cfg.OpenAICompat.APIKey = expandEnv(cfg.OpenAICompat.APIKey)
	cfg.OpenAICompat.BaseURL = expandEnv(cfg.OpenAICompat.BaseURL)
	for k, v := range cfg.OpenAICompat.Headers {
		cfg.OpenAICompat.Headers[k] = expandEnv(v)
	}
	cfg.Serve.Token = expandEnv(cfg.Serve.Token)
	cfg.Tools.Manifest = expandPath(cfg.Tools.Manifest)
	cfg.Sessions.Path = expandPath(cfg.Sessions.Path)
	for i, dir := range cfg.Tools.ReadDirs {
		cfg.Tools.ReadDirs[i] = expandPath(dir)
	}
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(p string) string {
	p = expandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// GetConfigDir returns the XDG config directory for toolstream.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "toolstream"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "toolstream"), nil
}

// GetConfigPath returns the path where the config file should be located
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.yaml"), nil
}
