package session

import (
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/samsaffron/toolstream/internal/llm"
)

// Status represents the current state of a session.
type Status string

const (
	StatusActive        Status = "active"         // Created, no run finished yet
	StatusComplete      Status = "complete"       // Last run finished normally
	StatusAwaitingTools Status = "awaiting_tools" // Last run deferred client-side calls
	StatusError         Status = "error"          // Last run failed
	StatusInterrupted   Status = "interrupted"    // Last run was cancelled
)

// StatusForRun maps an engine halt to the stored session status.
func StatusForRun(status llm.RunStatus) Status {
	switch status {
	case llm.StatusDone, llm.StatusMaxIterations:
		return StatusComplete
	case llm.StatusDeferred:
		return StatusAwaitingTools
	case llm.StatusCancelled:
		return StatusInterrupted
	default:
		return StatusError
	}
}

// Session represents a conversation stored in the database.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Summary   string    `json:"summary,omitempty"` // First user message
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Status    Status    `json:"status,omitempty"`

	Runs         int `json:"runs,omitempty"`
	Iterations   int `json:"iterations,omitempty"`
	ToolCalls    int `json:"tool_calls,omitempty"`
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// RunMetrics is what one engine run adds to a session.
type RunMetrics struct {
	Status       Status
	Iterations   int
	ToolCalls    int
	InputTokens  int
	OutputTokens int
}

// MetricsFromResult summarizes a finished run.
func MetricsFromResult(res llm.RunResult) RunMetrics {
	calls := 0
	for _, msg := range res.Produced {
		calls += len(msg.ToolCalls)
	}
	return RunMetrics{
		Status:       StatusForRun(res.Status),
		Iterations:   res.Iterations,
		ToolCalls:    calls,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
	}
}

// SessionSummary is a lightweight view of a session for listing.
type SessionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	Status       Status    `json:"status,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListOptions configures session listing.
type ListOptions struct {
	Status Status // Filter by status
	Limit  int    // Max results (0 = use default)
	Offset int    // Pagination offset
}

// SearchResult represents a search match.
type SearchResult struct {
	SessionID string    `json:"session_id"`
	MessageID int64     `json:"message_id"`
	Summary   string    `json:"summary"`
	Snippet   string    `json:"snippet"` // Matched text snippet
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a new lexically sortable session id.
func NewID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return "sess_" + strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}

// TruncateSummary returns the first line of content, truncated to 100 chars.
func TruncateSummary(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
