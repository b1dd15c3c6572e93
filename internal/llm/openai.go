package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIProvider implements Provider using the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAIProvider(apiKey, model string, opts ...option.RequestOption) *OpenAIProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, model: model}
}

func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("OpenAI (%s)", p.model)
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	messages := buildOpenAIMessages(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(chooseModel(req.Model, p.model)),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}

	return newDeltaStream(ctx, func(ctx context.Context, emit func(Delta) error) error {
		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			delta := Delta{ID: chunk.ID, Model: chunk.Model}
			if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
				delta.Usage = &Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}
			}
			for _, choice := range chunk.Choices {
				delta.Text += choice.Delta.Content
				for _, call := range choice.Delta.ToolCalls {
					delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
						Index:     int(call.Index),
						ID:        call.ID,
						Name:      call.Function.Name,
						Arguments: call.Function.Arguments,
					})
				}
				if choice.FinishReason != "" {
					delta.FinishReason = choice.FinishReason
				}
			}
			if err := emit(delta); err != nil {
				return err
			}
		}
		if err := stream.Err(); err != nil {
			return fmt.Errorf("openai streaming error: %w", err)
		}
		return nil
	}), nil
}

func buildOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				out = append(out, openai.SystemMessage(msg.Content))
			}
		case RoleUser:
			if msg.Content != "" {
				out = append(out, openai.UserMessage(msg.Content))
			}
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				if msg.Content != "" {
					out = append(out, openai.AssistantMessage(msg.Content))
				}
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: call.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      call.Name,
						Arguments: NormalizeArguments(call.Arguments),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		}
	}
	return out
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := shared.FunctionDefinitionParam{
			Name:       spec.Name,
			Parameters: shared.FunctionParameters(spec.Schema),
		}
		if spec.Description != "" {
			fn.Description = openai.String(spec.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}
