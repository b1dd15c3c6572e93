package cmd

import (
	"fmt"
	"log/slog"

	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/logging"
	"github.com/samsaffron/toolstream/internal/session"
	"github.com/samsaffron/toolstream/internal/tools"
)

// appRuntime bundles what every command needs once configuration is loaded.
type appRuntime struct {
	cfg    *config.Config
	logger *slog.Logger
	close  func() error
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if providerFlag != "" {
		provider, model, err := llm.ParseProviderModel(providerFlag)
		if err != nil {
			return nil, err
		}
		cfg.ApplyOverrides(provider, model)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func loadRuntime() (*appRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return &appRuntime{cfg: cfg, logger: logger, close: closeLog}, nil
}

// engineOptions tweaks engine construction per command.
type engineOptions struct {
	noTools bool
}

// newEngine wires the provider stack and tool registry from configuration.
func (a *appRuntime) newEngine(opts engineOptions) (*llm.Engine, error) {
	provider, err := llm.NewProvider(a.cfg, a.logger)
	if err != nil {
		return nil, fmt.Errorf("create provider: %w", err)
	}
	return a.newEngineWithProvider(provider, opts)
}

func (a *appRuntime) newEngineWithProvider(provider llm.Provider, opts engineOptions) (*llm.Engine, error) {
	registry := llm.NewToolRegistry()
	if !opts.noTools {
		if err := tools.Register(registry, a.cfg.Tools, a.logger); err != nil {
			return nil, fmt.Errorf("register tools: %w", err)
		}
	}
	loop := a.cfg.ToolLoop
	return llm.NewEngine(provider, registry,
		llm.WithModel(a.cfg.ActiveModel()),
		llm.WithSystemPrompt(loop.SystemPrompt),
		llm.WithMaxOutputTokens(loop.MaxOutputTokens),
		llm.WithTemperature(loop.Temperature),
		llm.WithLogger(a.logger),
	), nil
}

// loopConfig returns the configured loop. A non-nil maxIterations
// overrides the config, zero included.
func (a *appRuntime) loopConfig(maxIterations *int) llm.LoopConfig {
	cfg := llm.LoopConfig{
		Enabled:       a.cfg.ToolLoop.Enabled,
		MaxIterations: a.cfg.ToolLoop.MaxIterations,
	}
	if maxIterations != nil {
		cfg.MaxIterations = *maxIterations
	}
	return cfg
}

func (a *appRuntime) openSessionStore() (session.Store, error) {
	store, err := session.NewStore(session.Config{
		Enabled:    a.cfg.Sessions.Enabled,
		Path:       a.cfg.Sessions.Path,
		MaxAgeDays: a.cfg.Sessions.MaxAgeDays,
		MaxCount:   a.cfg.Sessions.MaxCount,
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return session.NewLoggingStore(store, a.logger), nil
}
