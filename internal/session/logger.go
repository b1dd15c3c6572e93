package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samsaffron/toolstream/internal/llm"
)

// LoggingStore wraps a Store and logs write failures once per operation.
// Callers still receive the error; persistence stays best-effort for them.
type LoggingStore struct {
	Store
	logger *slog.Logger
	mu     sync.Mutex
	warned map[string]bool
}

// NewLoggingStore creates a new LoggingStore wrapper.
func NewLoggingStore(store Store, logger *slog.Logger) *LoggingStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingStore{
		Store:  store,
		logger: logger,
		warned: make(map[string]bool),
	}
}

func (s *LoggingStore) logOnce(op string, err error) {
	if err == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.warned[op] {
		return
	}
	s.warned[op] = true
	s.logger.Warn("session store operation failed", "op", op, "error", err)
}

// Create wraps Store.Create with error logging.
func (s *LoggingStore) Create(ctx context.Context, sess *Session) error {
	err := s.Store.Create(ctx, sess)
	s.logOnce("Create", err)
	return err
}

// AppendMessages wraps Store.AppendMessages with error logging.
func (s *LoggingStore) AppendMessages(ctx context.Context, sessionID string, msgs []llm.Message) error {
	err := s.Store.AppendMessages(ctx, sessionID, msgs)
	s.logOnce("AppendMessages", err)
	return err
}

// RecordRun wraps Store.RecordRun with error logging.
func (s *LoggingStore) RecordRun(ctx context.Context, id string, m RunMetrics) error {
	err := s.Store.RecordRun(ctx, id, m)
	s.logOnce("RecordRun", err)
	return err
}
