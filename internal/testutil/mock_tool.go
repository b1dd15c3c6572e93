package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/samsaffron/toolstream/internal/llm"
)

// MockTool is a configurable auto-execute tool for testing.
type MockTool struct {
	Name        string
	Description string
	Schema      map[string]interface{}
	ExecuteFn   func(ctx context.Context, args json.RawMessage) (any, error)

	mu          sync.Mutex
	invocations []MockToolInvocation
}

// MockToolInvocation records a single tool invocation.
type MockToolInvocation struct {
	Args   json.RawMessage
	Result any
	Error  error
}

// Registration returns the registry entry that routes calls to the mock.
func (m *MockTool) Registration() llm.ToolRegistration {
	return llm.ToolRegistration{
		Name:        m.Name,
		Description: m.Description,
		Mode:        llm.ModeAutoExecute,
		Schema:      m.Schema,
		Handler:     m.handle,
	}
}

func (m *MockTool) handle(ctx context.Context, args json.RawMessage) (any, error) {
	var result any
	var err error
	if m.ExecuteFn != nil {
		result, err = m.ExecuteFn(ctx, args)
	}
	m.mu.Lock()
	m.invocations = append(m.invocations, MockToolInvocation{
		Args:   append(json.RawMessage(nil), args...),
		Result: result,
		Error:  err,
	})
	m.mu.Unlock()
	return result, err
}

// NewMockTool creates a mock tool with the given name that returns a fixed result.
func NewMockTool(name string, result string) *MockTool {
	return &MockTool{
		Name:        name,
		Description: "Mock tool: " + name,
		Schema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		ExecuteFn: func(ctx context.Context, args json.RawMessage) (any, error) {
			return result, nil
		},
	}
}

// ClientTool returns a client-side registration with the given name.
func ClientTool(name string) llm.ToolRegistration {
	return llm.ToolRegistration{
		Name:        name,
		Description: "Client tool: " + name,
		Mode:        llm.ModeClientSide,
	}
}

// InvocationCount returns the number of times the tool was invoked.
func (m *MockTool) InvocationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invocations)
}

// LastArgs returns the arguments from the last invocation, or nil if never invoked.
func (m *MockTool) LastArgs() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.invocations) == 0 {
		return nil
	}
	return m.invocations[len(m.invocations)-1].Args
}
