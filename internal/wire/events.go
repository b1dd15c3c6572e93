// Package wire maps engine chunks to the client-facing event stream.
package wire

import "github.com/samsaffron/toolstream/internal/llm"

// Type names a wire event.
type Type string

const (
	TypeText              Type = "text"
	TypeArtifactStarted   Type = "artifact_started"
	TypeArtifactContent   Type = "artifact_content"
	TypeArtifactCompleted Type = "artifact_completed"
	TypeToolExecuting     Type = "tool_executing"
	TypeToolCompleted     Type = "tool_completed"
	TypeToolError         Type = "tool_error"
	TypeToolClient        Type = "tool_client"
	TypeCompletion        Type = "completion"
	TypeError             Type = "error"
)

// DefaultFinishReason is used when a run ends without a completion chunk.
const DefaultFinishReason = llm.FinishStop

// Event is one client-facing event. Field names are part of the wire
// contract.
type Event struct {
	Type       Type    `json:"type"`
	ChunkIndex int     `json:"chunkIndex"`
	ElapsedMs  float64 `json:"elapsedMs"`

	TextDelta string `json:"textDelta,omitempty"`

	ToolName    string  `json:"toolName,omitempty"`
	ToolID      string  `json:"toolId,omitempty"`
	Arguments   string  `json:"arguments,omitempty"`
	Result      string  `json:"result,omitempty"`
	Error       string  `json:"error,omitempty"`
	ExecutionMs float64 `json:"executionMs,omitempty"`

	ArtifactID   string `json:"artifactId,omitempty"`
	Title        string `json:"title,omitempty"`
	ArtifactType string `json:"artifactType,omitempty"`
	Language     string `json:"language,omitempty"`
	Content      string `json:"content,omitempty"`
	ContentDelta string `json:"contentDelta,omitempty"`

	FinishReason string     `json:"finishReason,omitempty"`
	Model        string     `json:"model,omitempty"`
	ID           string     `json:"id,omitempty"`
	Usage        *llm.Usage `json:"usage,omitempty"`
}

// Terminal reports whether the event ends a logical turn.
func (e Event) Terminal() bool {
	return e.Type == TypeCompletion || e.Type == TypeError
}
