package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/session"
)

var (
	errNoPendingCalls  = errors.New("tool result given but no tool call is pending")
	errUnansweredCalls = errors.New("pending tool calls must be answered before continuing")
)

// conversation is a stored session together with its loaded history.
type conversation struct {
	store   session.Store
	session *session.Session
	history []llm.Message
}

// newConversation creates a session. An empty id gets a generated one.
func newConversation(ctx context.Context, store session.Store, id, provider, model string) (*conversation, error) {
	sess := &session.Session{ID: id, Provider: provider, Model: model}
	if err := store.Create(ctx, sess); err != nil {
		return nil, err
	}
	return &conversation{store: store, session: sess}, nil
}

// loadConversation reads session id and its history from store.
func loadConversation(ctx context.Context, store session.Store, id string) (*conversation, error) {
	sess, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := store.Messages(ctx, id)
	if err != nil {
		return nil, err
	}
	return &conversation{store: store, session: sess, history: history}, nil
}

// ID returns the session id.
func (c *conversation) ID() string {
	return c.session.ID
}

// extend validates input against the pending tool calls and returns the
// history a run should start from.
func (c *conversation) extend(input []llm.Message) ([]llm.Message, error) {
	if err := validateResume(c.history, input); err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(c.history)+len(input))
	history = append(history, c.history...)
	return append(history, input...), nil
}

// record persists a finished run. Cancelled runs only update the status so
// the stored history never holds a half-streamed turn.
func (c *conversation) record(ctx context.Context, input []llm.Message, res llm.RunResult) error {
	if res.Status != llm.StatusCancelled {
		msgs := append(append([]llm.Message(nil), input...), res.Produced...)
		if err := c.store.AppendMessages(ctx, c.session.ID, msgs); err != nil {
			return fmt.Errorf("save messages: %w", err)
		}
		c.history = append(c.history, msgs...)
	}
	return c.store.RecordRun(ctx, c.session.ID, session.MetricsFromResult(res))
}

// validateResume checks that tool-role messages in input answer exactly the
// calls pending in history, and that no pending call is left unanswered.
func validateResume(history, input []llm.Message) error {
	pending := make(map[string]bool)
	for _, call := range llm.PendingToolCalls(history) {
		pending[call.ID] = true
	}

	for _, msg := range input {
		if msg.Role != llm.RoleTool {
			continue
		}
		if len(pending) == 0 {
			return errNoPendingCalls
		}
		if !pending[msg.ToolCallID] {
			return fmt.Errorf("unknown tool_call_id %q", msg.ToolCallID)
		}
		delete(pending, msg.ToolCallID)
	}
	if len(pending) > 0 {
		return fmt.Errorf("%w (%d remaining)", errUnansweredCalls, len(pending))
	}
	return nil
}
