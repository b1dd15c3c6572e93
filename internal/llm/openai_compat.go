package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// httpClientTimeout is the default timeout for HTTP requests
const httpClientTimeout = 10 * time.Minute

// defaultHTTPClient is a shared HTTP client with reasonable timeouts
var defaultHTTPClient = &http.Client{
	Timeout: httpClientTimeout,
}

// OpenAICompatProvider implements Provider for OpenAI-compatible chat
// completion servers such as Ollama and LM Studio.
type OpenAICompatProvider struct {
	baseURL string
	apiKey  string // Optional, most servers ignore it
	model   string
	name    string
	headers map[string]string
	client  *http.Client
}

func NewOpenAICompatProvider(baseURL, apiKey, model, name string) *OpenAICompatProvider {
	return NewOpenAICompatProviderWithHeaders(baseURL, apiKey, model, name, nil)
}

func NewOpenAICompatProviderWithHeaders(baseURL, apiKey, model, name string, headers map[string]string) *OpenAICompatProvider {
	if name == "" {
		name = "openai-compat"
	}
	return &OpenAICompatProvider{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		name:    name,
		headers: headers,
		client:  defaultHTTPClient,
	}
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func (p *OpenAICompatProvider) WithHTTPClient(client *http.Client) *OpenAICompatProvider {
	p.client = client
	return p
}

func (p *OpenAICompatProvider) Name() string {
	return fmt.Sprintf("%s (%s)", p.name, p.model)
}

type oaiChatRequest struct {
	Model         string            `json:"model"`
	Messages      []oaiMessage      `json:"messages"`
	Tools         []oaiTool         `json:"tools,omitempty"`
	Temperature   *float64          `json:"temperature,omitempty"`
	MaxTokens     *int              `json:"max_tokens,omitempty"`
	Stream        bool              `json:"stream"`
	StreamOptions *oaiStreamOptions `json:"stream_options,omitempty"`
}

type oaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type oaiMessage struct {
	Role       string        `json:"role,omitempty"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type oaiFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type oaiToolCall struct {
	Index    int             `json:"index"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type,omitempty"`
	Function oaiFunctionCall `json:"function"`
}

type oaiChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []oaiChoice  `json:"choices"`
	Usage   *oaiUsage    `json:"usage,omitempty"`
	Error   *oaiAPIError `json:"error,omitempty"`
}

type oaiChoice struct {
	Index        int         `json:"index"`
	Delta        *oaiMessage `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiAPIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *OpenAICompatProvider) makeChatRequest(ctx context.Context, req oaiChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for key, value := range p.headers {
		if value == "" {
			continue
		}
		httpReq.Header.Set(key, value)
	}
	return p.client.Do(httpReq)
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	messages := buildCompatMessages(req.Messages)
	if len(messages) == 0 {
		return nil, fmt.Errorf("no messages provided")
	}
	tools, err := buildCompatTools(req.Tools)
	if err != nil {
		return nil, err
	}

	chatReq := oaiChatRequest{
		Model:         chooseModel(req.Model, p.model),
		Messages:      messages,
		Tools:         tools,
		Stream:        true,
		StreamOptions: &oaiStreamOptions{IncludeUsage: true},
	}
	if req.Temperature > 0 {
		v := float64(req.Temperature)
		chatReq.Temperature = &v
	}
	if req.MaxOutputTokens > 0 {
		v := req.MaxOutputTokens
		chatReq.MaxTokens = &v
	}

	resp, err := p.makeChatRequest(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s API request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s API error (status %d): %s", p.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return newDeltaStream(ctx, func(ctx context.Context, emit func(Delta) error) error {
		defer resp.Body.Close()
		return p.readEvents(resp.Body, emit)
	}), nil
}

// readEvents parses the SSE body into deltas.
func (p *OpenAICompatProvider) readEvents(body io.Reader, emit func(Delta) error) error {
	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var lastEventType string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			lastEventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return nil
		}

		var chatResp oaiChatResponse
		if err := json.Unmarshal([]byte(data), &chatResp); err != nil {
			continue
		}
		if lastEventType == "error" || chatResp.Error != nil {
			errMsg := "unknown error"
			if chatResp.Error != nil {
				errMsg = chatResp.Error.Message
			}
			return fmt.Errorf("%s API error: %s", p.name, errMsg)
		}
		lastEventType = ""

		delta := Delta{Model: chatResp.Model, ID: chatResp.ID}
		if chatResp.Usage != nil {
			delta.Usage = &Usage{
				InputTokens:  chatResp.Usage.PromptTokens,
				OutputTokens: chatResp.Usage.CompletionTokens,
			}
		}
		for _, choice := range chatResp.Choices {
			if choice.Delta != nil {
				delta.Text += choice.Delta.Content
				for _, call := range choice.Delta.ToolCalls {
					delta.ToolCalls = append(delta.ToolCalls, ToolCallDelta{
						Index:     call.Index,
						ID:        call.ID,
						Name:      call.Function.Name,
						Arguments: call.Function.Arguments,
					})
				}
			}
			if choice.FinishReason != "" {
				delta.FinishReason = choice.FinishReason
			}
		}
		if err := emit(delta); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%s streaming error: %w", p.name, err)
	}
	return nil
}

func buildCompatMessages(messages []Message) []oaiMessage {
	var result []oaiMessage
	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 && msg.Content == "" {
				continue
			}
			out := oaiMessage{Role: "assistant", Content: msg.Content}
			for i, call := range msg.ToolCalls {
				out.ToolCalls = append(out.ToolCalls, oaiToolCall{
					Index: i,
					ID:    call.ID,
					Type:  "function",
					Function: oaiFunctionCall{
						Name:      call.Name,
						Arguments: NormalizeArguments(call.Arguments),
					},
				})
			}
			result = append(result, out)
		case RoleTool:
			result = append(result, oaiMessage{
				Role:       "tool",
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case RoleSystem, RoleUser:
			if msg.Content == "" {
				continue
			}
			result = append(result, oaiMessage{Role: string(msg.Role), Content: msg.Content})
		}
	}
	return result
}

func buildCompatTools(specs []ToolSpec) ([]oaiTool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]oaiTool, 0, len(specs))
	for _, spec := range specs {
		schema, err := json.Marshal(spec.Schema)
		if err != nil {
			return nil, fmt.Errorf("marshal tool schema %s: %w", spec.Name, err)
		}
		tools = append(tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return tools, nil
}

func chooseModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
