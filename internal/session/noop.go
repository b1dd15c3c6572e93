package session

import (
	"context"

	"github.com/samsaffron/toolstream/internal/llm"
)

// NoopStore is a no-op implementation of Store used when sessions are disabled.
// It silently discards all writes and reports every session as missing.
type NoopStore struct{}

func (s *NoopStore) Create(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	return nil
}

func (s *NoopStore) Get(ctx context.Context, id string) (*Session, error) {
	return nil, ErrSessionNotFound
}

func (s *NoopStore) Delete(ctx context.Context, id string) error {
	return nil
}

func (s *NoopStore) List(ctx context.Context, opts ListOptions) ([]SessionSummary, error) {
	return nil, nil
}

func (s *NoopStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return nil, nil
}

func (s *NoopStore) AppendMessages(ctx context.Context, sessionID string, msgs []llm.Message) error {
	return nil
}

func (s *NoopStore) Messages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	return nil, nil
}

func (s *NoopStore) RecordRun(ctx context.Context, id string, m RunMetrics) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
