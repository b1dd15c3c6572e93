package tools

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/samsaffron/toolstream/internal/config"
	"github.com/samsaffron/toolstream/internal/llm"
)

// Builtins returns the auto-execute tools shipped with toolstream.
func Builtins(sandbox *Sandbox) []llm.ToolRegistration {
	return []llm.ToolRegistration{
		NewReadFileTool(sandbox, DefaultOutputLimits()).Registration(),
		NewGlobTool(sandbox).Registration(),
	}
}

// NewRegistry builds a registry from configuration: the built-ins plus any
// manifest tools, filtered by the enabled/disabled patterns.
func NewRegistry(cfg config.ToolsConfig, logger *slog.Logger) (*llm.ToolRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := llm.NewToolRegistry()
	if err := Register(reg, cfg, logger); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register adds the configured tools to reg.
func Register(reg *llm.ToolRegistry, cfg config.ToolsConfig, logger *slog.Logger) error {
	selector, err := NewSelector(cfg.Enabled, cfg.Disabled)
	if err != nil {
		return err
	}

	for _, dir := range cfg.ReadDirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			logger.Warn("read_dir does not exist", "dir", dir)
		}
	}
	sandbox, err := NewSandbox(cfg.ReadDirs)
	if err != nil {
		return err
	}

	candidates := Builtins(sandbox)
	if cfg.Manifest != "" {
		m, err := LoadManifest(cfg.Manifest)
		if err != nil {
			return err
		}
		regs, err := m.Registrations()
		if err != nil {
			return err
		}
		candidates = append(candidates, regs...)
	}

	for _, r := range candidates {
		if !selector.Enabled(r.Name) {
			logger.Debug("tool disabled by configuration", "tool", r.Name)
			continue
		}
		if err := reg.Register(r); err != nil {
			return fmt.Errorf("register %s: %w", r.Name, err)
		}
	}
	return nil
}
