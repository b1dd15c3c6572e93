package llm

import (
	"context"
	"time"

	"github.com/samsaffron/toolstream/internal/artifact"
)

// Provider streams one model turn for a request.
type Provider interface {
	Name() string
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Stream yields deltas until io.EOF.
type Stream interface {
	Recv() (Delta, error)
	Close() error
}

// Request represents a single model turn.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolSpec
	MaxOutputTokens int
	Temperature     float32
}

// Role identifies a message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-requested tool invocation. Arguments is the raw JSON
// text exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes a callable tool as advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]interface{}
}

// ToolCallDelta is one streamed fragment of a tool call. Fragments sharing an
// Index belong to the same call.
type ToolCallDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta is one transport update. A non-empty FinishReason ends the turn.
type Delta struct {
	Text         string
	ToolCalls    []ToolCallDelta
	FinishReason string
	Model        string
	ID           string
	Usage        *Usage
}

// Usage captures token usage if available.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

func (u *Usage) add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Finish reasons used by the engine.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ChunkType discriminates Chunk payloads.
type ChunkType string

const (
	ChunkText          ChunkType = "text"
	ChunkToolCallDelta ChunkType = "tool_call_delta"
	ChunkArtifact      ChunkType = "artifact"
	ChunkServerTool    ChunkType = "server_tool"
	ChunkClientTool    ChunkType = "client_tool"
	ChunkCompletion    ChunkType = "completion"
)

// Chunk is one unit of engine output. Exactly one payload matching Type is
// set. Index is unique and strictly increasing within a run.
type Chunk struct {
	Type    ChunkType
	Index   int
	Elapsed time.Duration

	Text       string
	ToolDelta  *ToolCallDelta
	Artifact   *artifact.Event
	ServerTool *ServerToolEvent
	ClientTool *ToolCall
	Completion *Completion
}

// ToolState is the lifecycle stage of a server-side tool execution.
type ToolState string

const (
	ToolExecuting ToolState = "executing"
	ToolCompleted ToolState = "completed"
	ToolFailed    ToolState = "error"
)

// ServerToolEvent reports a tool executed by the engine.
type ServerToolEvent struct {
	Name      string
	ID        string
	Arguments string
	State     ToolState
	Result    string
	Error     string
	Duration  time.Duration
}

// Completion ends a logical turn.
type Completion struct {
	FinishReason string
	Model        string
	ID           string
	Usage        *Usage
}

// UserText builds a user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// SystemText builds a system message.
func SystemText(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// AssistantText builds an assistant message without tool calls.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage builds the tool-role reply to a call.
func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Name: name, Content: content}
}
