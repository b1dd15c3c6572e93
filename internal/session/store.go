package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samsaffron/toolstream/internal/llm"
)

// ErrSessionNotFound is returned when a session id has no stored session.
var ErrSessionNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	// Session CRUD
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error

	// Listing and search
	List(ctx context.Context, opts ListOptions) ([]SessionSummary, error)
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Message operations. Messages are appended in conversation order.
	AppendMessages(ctx context.Context, sessionID string, msgs []llm.Message) error
	Messages(ctx context.Context, sessionID string) ([]llm.Message, error)

	// Run bookkeeping
	RecordRun(ctx context.Context, id string, m RunMetrics) error

	// Lifecycle
	Close() error
}

// Config holds session storage configuration.
type Config struct {
	Enabled    bool   `mapstructure:"enabled"`      // Master switch
	Path       string `mapstructure:"path"`         // Database path; empty uses the XDG data dir
	MaxAgeDays int    `mapstructure:"max_age_days"` // Auto-delete after N days (0=never)
	MaxCount   int    `mapstructure:"max_count"`    // Keep at most N sessions (0=unlimited)
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{Enabled: true}
}

// GetDataDir returns the XDG data directory for toolstream.
// Uses $XDG_DATA_HOME if set, otherwise ~/.local/share
func GetDataDir() (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "toolstream"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "toolstream"), nil
}

// GetDBPath returns the path to the sessions database.
func GetDBPath() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "sessions.db"), nil
}

// NewStore creates a new Store based on the configuration.
// If sessions are disabled, returns a no-op store.
func NewStore(cfg Config) (Store, error) {
	if !cfg.Enabled {
		return &NoopStore{}, nil
	}
	return NewSQLiteStore(cfg)
}
