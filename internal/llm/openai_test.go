package llm

import "testing"

func TestBuildOpenAIMessages(t *testing.T) {
	msgs := buildOpenAIMessages([]Message{
		SystemText("sys"),
		UserText("hi"),
		{Role: RoleAssistant, Content: "calling", ToolCalls: []ToolCall{{ID: "c1", Name: "add", Arguments: ""}}},
		ToolResultMessage("c1", "add", "3"),
		AssistantText("done"),
		{Role: RoleUser},
	})
	if len(msgs) != 5 {
		t.Fatalf("messages=%d, want 5", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil {
		t.Errorf("roles out of order: %+v", msgs[:2])
	}
	assistant := msgs[2].OfAssistant
	if assistant == nil || len(assistant.ToolCalls) != 1 {
		t.Fatalf("assistant=%+v", msgs[2])
	}
	if assistant.ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("arguments=%q, want normalized", assistant.ToolCalls[0].Function.Arguments)
	}
	if msgs[3].OfTool == nil || msgs[3].OfTool.ToolCallID != "c1" {
		t.Errorf("tool message=%+v", msgs[3])
	}
}

func TestBuildOpenAITools(t *testing.T) {
	tools := buildOpenAITools([]ToolSpec{
		{Name: "add", Description: "adds", Schema: map[string]interface{}{"type": "object"}},
		{Name: "bare", Schema: map[string]interface{}{"type": "object"}},
	})
	if len(tools) != 2 {
		t.Fatalf("tools=%d", len(tools))
	}
	if tools[0].Function.Name != "add" || tools[0].Function.Description.Value != "adds" {
		t.Errorf("tool=%+v", tools[0].Function)
	}
	if tools[1].Function.Description.Valid() {
		t.Error("empty description should be omitted")
	}
}
