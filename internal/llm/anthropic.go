package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicProvider implements Provider using the Anthropic Messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

func NewAnthropicProvider(apiKey, model string, opts ...option.RequestOption) *AnthropicProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client, model: model}
}

func (p *AnthropicProvider) Name() string {
	return fmt.Sprintf("Anthropic (%s)", p.model)
}

func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	system, messages := buildAnthropicMessages(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(chooseModel(req.Model, p.model)),
		MaxTokens: maxTokens(req.MaxOutputTokens, defaultAnthropicMaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	return newDeltaStream(ctx, func(ctx context.Context, emit func(Delta) error) error {
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		// Content block index -> tool call ordinal.
		toolIndex := make(map[int64]int)
		var inputTokens int

		for stream.Next() {
			event := stream.Current()
			var delta Delta
			switch variant := event.AsAny().(type) {
			case anthropic.MessageStartEvent:
				delta.ID = variant.Message.ID
				delta.Model = string(variant.Message.Model)
				inputTokens = int(variant.Message.Usage.InputTokens)
			case anthropic.ContentBlockStartEvent:
				if block, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					idx := len(toolIndex)
					toolIndex[variant.Index] = idx
					delta.ToolCalls = []ToolCallDelta{{Index: idx, ID: block.ID, Name: block.Name}}
				}
			case anthropic.ContentBlockDeltaEvent:
				switch d := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					delta.Text = d.Text
				case anthropic.InputJSONDelta:
					if idx, ok := toolIndex[variant.Index]; ok && d.PartialJSON != "" {
						delta.ToolCalls = []ToolCallDelta{{Index: idx, Arguments: d.PartialJSON}}
					}
				}
			case anthropic.MessageDeltaEvent:
				delta.FinishReason = anthropicFinishReason(variant.Delta.StopReason)
				delta.Usage = &Usage{
					InputTokens:  inputTokens,
					OutputTokens: int(variant.Usage.OutputTokens),
				}
			}
			if delta.Text == "" && len(delta.ToolCalls) == 0 && delta.FinishReason == "" && delta.ID == "" && delta.Usage == nil {
				continue
			}
			if err := emit(delta); err != nil {
				return err
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("anthropic streaming error: %w", err)
		}
		return nil
	}), nil
}

func anthropicFinishReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonToolUse:
		return FinishToolCalls
	case anthropic.StopReasonMaxTokens:
		return FinishLength
	case "":
		return ""
	default:
		return FinishStop
	}
}

// buildAnthropicMessages splits system text out and folds consecutive tool
// results into a single user message, as the Messages API requires.
func buildAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var systemParts []string
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case RoleUser:
			flushResults()
			if msg.Content != "" {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, json.RawMessage(toolInput(call.Arguments)), call.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			pendingResults = append(pendingResults, toolResultBlock(msg))
		}
	}
	flushResults()
	return strings.Join(systemParts, "\n\n"), out
}

// toolInput returns arguments that are valid JSON objects, or {}.
func toolInput(args string) string {
	normalized := NormalizeArguments(args)
	if !json.Valid([]byte(normalized)) {
		normalized = RepairArguments(normalized)
	}
	if !json.Valid([]byte(normalized)) || !strings.HasPrefix(normalized, "{") {
		return "{}"
	}
	return normalized
}

func toolResultBlock(msg Message) anthropic.ContentBlockParamUnion {
	text := msg.Content
	if text == "" {
		text = "(no output)"
	}
	block := anthropic.ToolResultBlockParam{
		ToolUseID: msg.ToolCallID,
		IsError:   anthropic.Bool(strings.HasPrefix(text, "Error: ")),
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: text}},
		},
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: spec.Schema["properties"],
			Required:   schemaRequired(spec.Schema),
		}
		tool := anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
		if spec.Description != "" {
			tool.OfTool.Description = anthropic.String(spec.Description)
		}
		tools = append(tools, tool)
	}
	return tools
}

func schemaRequired(schema map[string]interface{}) []string {
	switch v := schema["required"].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func maxTokens(requested, fallback int) int64 {
	if requested > 0 {
		return int64(requested)
	}
	return int64(fallback)
}
