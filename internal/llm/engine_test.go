package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsaffron/toolstream/internal/artifact"
)

type sliceStream struct {
	deltas []Delta
	index  int
	err    error
}

func (s *sliceStream) Recv() (Delta, error) {
	if s.index >= len(s.deltas) {
		if s.err != nil {
			return Delta{}, s.err
		}
		return Delta{}, io.EOF
	}
	d := s.deltas[s.index]
	s.index++
	return d, nil
}

func (s *sliceStream) Close() error {
	return nil
}

type fakeProvider struct {
	mu     sync.Mutex
	script func(call int, req Request) []Delta
	calls  []Request
}

func (p *fakeProvider) Name() string {
	return "fake"
}

func (p *fakeProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	call := len(p.calls)
	p.calls = append(p.calls, req)
	p.mu.Unlock()
	return &sliceStream{deltas: p.script(call, req)}, nil
}

func (p *fakeProvider) requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.calls...)
}

func textDeltas(parts ...string) []Delta {
	var out []Delta
	for _, p := range parts {
		out = append(out, Delta{Text: p})
	}
	return append(out, Delta{FinishReason: FinishStop, Usage: &Usage{InputTokens: 3, OutputTokens: 2}})
}

func toolDeltas(id, name, args string) []Delta {
	return []Delta{
		{ToolCalls: []ToolCallDelta{{Index: 0, ID: id, Name: name}}},
		{ToolCalls: []ToolCallDelta{{Index: 0, Arguments: args}}},
		{FinishReason: FinishToolCalls, Usage: &Usage{InputTokens: 5, OutputTokens: 1}},
	}
}

func drain(t *testing.T, run *Run) ([]Chunk, error) {
	t.Helper()
	var chunks []Chunk
	for {
		c, err := run.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return chunks, nil
			}
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func ofType(chunks []Chunk, typ ChunkType) []Chunk {
	var out []Chunk
	for _, c := range chunks {
		if c.Type == typ {
			out = append(out, c)
		}
	}
	return out
}

func newAddRegistry(t *testing.T, calls *int) *ToolRegistry {
	t.Helper()
	reg := NewToolRegistry()
	if err := reg.Register(ToolRegistration{
		Name: "add",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"a": map[string]interface{}{"type": "number"},
				"b": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"a", "b"},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			if calls != nil {
				*calls++
			}
			var in struct{ A, B float64 }
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return in.A + in.B, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestEngineTextOnlyRun(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		return textDeltas("Hello", ", world")
	}}
	engine := NewEngine(provider, nil)

	chunks, err := drain(t, engine.Run(context.Background(), []Message{UserText("hi")}, DefaultLoopConfig()))
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	var text strings.Builder
	for _, c := range ofType(chunks, ChunkText) {
		text.WriteString(c.Text)
	}
	if text.String() != "Hello, world" {
		t.Errorf("text=%q", text.String())
	}
	completions := ofType(chunks, ChunkCompletion)
	if len(completions) != 1 {
		t.Fatalf("completions=%d, want 1", len(completions))
	}
	if completions[0].Completion.FinishReason != FinishStop {
		t.Errorf("finish reason=%q", completions[0].Completion.FinishReason)
	}
	if chunks[len(chunks)-1].Type != ChunkCompletion {
		t.Error("completion must be the last chunk")
	}
}

func TestEngineExecutesToolAndContinues(t *testing.T) {
	var executed int
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		if call == 0 {
			return toolDeltas("call_1", "add", `{"a":1,"b":2}`)
		}
		return textDeltas("The answer is 3")
	}}
	engine := NewEngine(provider, newAddRegistry(t, &executed))

	run := engine.Run(context.Background(), []Message{UserText("1+2?")}, DefaultLoopConfig())
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if executed != 1 {
		t.Fatalf("executed=%d, want 1", executed)
	}

	tools := ofType(chunks, ChunkServerTool)
	if len(tools) != 2 {
		t.Fatalf("server tool chunks=%d, want 2", len(tools))
	}
	if tools[0].ServerTool.State != ToolExecuting || tools[1].ServerTool.State != ToolCompleted {
		t.Errorf("states=%s,%s", tools[0].ServerTool.State, tools[1].ServerTool.State)
	}
	if tools[1].ServerTool.Result != "3" {
		t.Errorf("result=%q, want 3", tools[1].ServerTool.Result)
	}

	res := run.Result()
	if res.Status != StatusDone || res.Iterations != 1 {
		t.Errorf("status=%s iterations=%d", res.Status, res.Iterations)
	}
	// assistant(tool call), tool result, assistant(text)
	if len(res.Produced) != 3 {
		t.Fatalf("produced=%d messages, want 3", len(res.Produced))
	}
	if res.Produced[1].Role != RoleTool || res.Produced[1].ToolCallID != "call_1" || res.Produced[1].Content != "3" {
		t.Errorf("tool message=%+v", res.Produced[1])
	}
	if res.Usage.InputTokens != 8 || res.Usage.OutputTokens != 3 {
		t.Errorf("usage=%+v, want summed across turns", res.Usage)
	}

	reqs := provider.requests()
	if len(reqs) != 2 {
		t.Fatalf("requests=%d", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if last.Role != RoleTool {
		t.Errorf("second request should end with the tool result, got %s", last.Role)
	}
}

func TestEngineUnregisteredToolReportsErrorAndContinues(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		if call == 0 {
			return toolDeltas("call_x", "unknown_tool", `{}`)
		}
		return textDeltas("ok")
	}}
	engine := NewEngine(provider, newAddRegistry(t, nil))

	run := engine.Run(context.Background(), []Message{UserText("go")}, DefaultLoopConfig())
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	tools := ofType(chunks, ChunkServerTool)
	if len(tools) != 1 || tools[0].ServerTool.State != ToolFailed {
		t.Fatalf("want exactly one error tool chunk, got %+v", tools)
	}
	if !strings.Contains(tools[0].ServerTool.Error, "not registered") {
		t.Errorf("error=%q", tools[0].ServerTool.Error)
	}

	res := run.Result()
	if res.Status != StatusDone {
		t.Errorf("status=%s, want done", res.Status)
	}
	toolMsg := res.Produced[1]
	if toolMsg.Role != RoleTool || !strings.Contains(toolMsg.Content, "not registered") {
		t.Errorf("tool message=%+v", toolMsg)
	}
	if len(provider.requests()) != 2 {
		t.Error("loop should continue after an unregistered tool")
	}
}

func TestEngineHandlerErrorIsFedBack(t *testing.T) {
	reg := NewToolRegistry()
	reg.MustRegister(ToolRegistration{
		Name: "boom",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			panic("kaboom")
		},
	})
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		if call == 0 {
			return toolDeltas("c1", "boom", "")
		}
		return textDeltas("recovered")
	}}

	run := NewEngine(provider, reg).Run(context.Background(), []Message{UserText("x")}, DefaultLoopConfig())
	if _, err := drain(t, run); err != nil {
		t.Fatalf("run error: %v", err)
	}
	res := run.Result()
	if !strings.HasPrefix(res.Produced[1].Content, "Error: ") || !strings.Contains(res.Produced[1].Content, "kaboom") {
		t.Errorf("tool message=%q", res.Produced[1].Content)
	}
}

func TestEngineMaxIterations(t *testing.T) {
	var executed int
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		return toolDeltas("call", "add", `{"a":1,"b":1}`)
	}}
	engine := NewEngine(provider, newAddRegistry(t, &executed))

	run := engine.Run(context.Background(), []Message{UserText("loop")}, LoopConfig{Enabled: true, MaxIterations: 2})
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	if executed != 2 {
		t.Errorf("executed=%d, want 2", executed)
	}
	if n := len(provider.requests()); n != 3 {
		t.Errorf("provider turns=%d, want 3", n)
	}
	last := chunks[len(chunks)-1]
	if last.Type != ChunkText || last.Text != MaxIterationsText(2) {
		t.Errorf("last chunk=%+v, want sentinel text", last)
	}
	if len(ofType(chunks, ChunkCompletion)) != 0 {
		t.Error("limit halt must not emit a completion chunk")
	}

	res := run.Result()
	if res.Status != StatusMaxIterations || res.Iterations != 2 {
		t.Errorf("status=%s iterations=%d", res.Status, res.Iterations)
	}
	if pending := PendingToolCalls(res.History); len(pending) != 0 {
		t.Errorf("every call should have a tool reply, pending=%v", pending)
	}
}

func TestEngineZeroMaxIterationsNeverDispatches(t *testing.T) {
	for _, max := range []int{0, -3} {
		var executed int
		provider := &fakeProvider{script: func(call int, req Request) []Delta {
			return toolDeltas("call", "add", `{"a":1,"b":1}`)
		}}
		run := NewEngine(provider, newAddRegistry(t, &executed)).
			Run(context.Background(), []Message{UserText("x")}, LoopConfig{Enabled: true, MaxIterations: max})
		chunks, err := drain(t, run)
		if err != nil {
			t.Fatalf("max=%d: %v", max, err)
		}
		if executed != 0 {
			t.Errorf("max=%d: executed=%d, want 0", max, executed)
		}
		if n := len(provider.requests()); n != 1 {
			t.Errorf("max=%d: provider turns=%d, want 1", max, n)
		}
		if last := chunks[len(chunks)-1]; last.Text != MaxIterationsText(0) {
			t.Errorf("max=%d: last chunk=%+v", max, last)
		}
		if res := run.Result(); res.Status != StatusMaxIterations || res.Iterations != 0 {
			t.Errorf("max=%d: status=%s iterations=%d", max, res.Status, res.Iterations)
		}
	}
}

func TestEngineIterationBoundProperty(t *testing.T) {
	for max := 1; max <= 5; max++ {
		var executed int
		provider := &fakeProvider{script: func(call int, req Request) []Delta {
			return toolDeltas("c", "add", `{"a":0,"b":0}`)
		}}
		run := NewEngine(provider, newAddRegistry(t, &executed)).
			Run(context.Background(), []Message{UserText("x")}, LoopConfig{Enabled: true, MaxIterations: max})
		if _, err := drain(t, run); err != nil {
			t.Fatalf("max=%d: %v", max, err)
		}
		if executed != max {
			t.Errorf("max=%d: executed %d rounds", max, executed)
		}
	}
}

func TestEngineClientSideToolDefers(t *testing.T) {
	reg := newAddRegistry(t, nil)
	reg.MustRegister(ToolRegistration{Name: "pick_color", Mode: ModeClientSide})

	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		return []Delta{
			{ToolCalls: []ToolCallDelta{{Index: 0, ID: "a", Name: "add", Arguments: `{"a":2,"b":2}`}}},
			{ToolCalls: []ToolCallDelta{{Index: 1, ID: "b", Name: "pick_color", Arguments: `{}`}}},
			{FinishReason: FinishToolCalls},
		}
	}}

	run := NewEngine(provider, reg).Run(context.Background(), []Message{UserText("x")}, DefaultLoopConfig())
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	client := ofType(chunks, ChunkClientTool)
	if len(client) != 1 || client[0].ClientTool.Name != "pick_color" {
		t.Fatalf("client tool chunks=%+v", client)
	}
	completion := ofType(chunks, ChunkCompletion)
	if len(completion) != 1 || completion[0].Completion.FinishReason != FinishToolCalls {
		t.Fatalf("completion=%+v", completion)
	}

	res := run.Result()
	if res.Status != StatusDeferred || len(res.Deferred) != 1 || res.Deferred[0].ID != "b" {
		t.Errorf("result=%+v", res)
	}
	pending := PendingToolCalls(res.History)
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Errorf("pending=%+v, want only the client call", pending)
	}
	if len(provider.requests()) != 1 {
		t.Error("engine must not call the model again while a call is deferred")
	}
}

func TestEngineLoopDisabledSurfacesAllCalls(t *testing.T) {
	var executed int
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		return toolDeltas("c1", "add", `{"a":1,"b":2}`)
	}}
	run := NewEngine(provider, newAddRegistry(t, &executed)).
		Run(context.Background(), []Message{UserText("x")}, LoopConfig{Enabled: false})
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	if executed != 0 {
		t.Error("disabled loop must not execute tools")
	}
	if len(ofType(chunks, ChunkClientTool)) != 1 {
		t.Error("tool call should be surfaced to the caller")
	}
	if run.Result().Status != StatusDeferred {
		t.Errorf("status=%s", run.Result().Status)
	}
}

func TestEngineChunkIndicesIncrease(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		if call == 0 {
			return append([]Delta{{Text: "Let me add. "}}, toolDeltas("c", "add", `{"a":1,"b":2}`)...)
		}
		return textDeltas("done")
	}}
	run := NewEngine(provider, newAddRegistry(t, nil)).Run(context.Background(), []Message{UserText("x")}, DefaultLoopConfig())
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	for i, c := range chunks {
		if c.Index != i {
			t.Fatalf("chunk %d has index %d", i, c.Index)
		}
	}
}

func TestEngineArtifactsAcrossFragments(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		return textDeltas(`Hello <artifact type="code" title="T">print(1)</art`, `ifact> world`)
	}}
	run := NewEngine(provider, nil).Run(context.Background(), []Message{UserText("x")}, DefaultLoopConfig())
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}

	var kinds []string
	for _, c := range chunks {
		switch c.Type {
		case ChunkText:
			kinds = append(kinds, "text:"+c.Text)
		case ChunkArtifact:
			kinds = append(kinds, string(c.Artifact.Kind))
		}
	}
	want := []string{"text:Hello ", string(artifact.KindStarted), string(artifact.KindContent), string(artifact.KindCompleted), "text: world"}
	if strings.Join(kinds, "|") != strings.Join(want, "|") {
		t.Errorf("got %v, want %v", kinds, want)
	}

	// The assistant message keeps the raw text including markup.
	content := run.Result().Produced[0].Content
	if !strings.Contains(content, "<artifact") {
		t.Errorf("assistant content=%q", content)
	}
}

func TestEngineIgnoresContentAfterFinish(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		return []Delta{
			{Text: "kept"},
			{FinishReason: FinishStop},
			{Text: "dropped"},
			{Usage: &Usage{InputTokens: 7, OutputTokens: 4}},
		}
	}}
	run := NewEngine(provider, nil).Run(context.Background(), []Message{UserText("x")}, DefaultLoopConfig())
	chunks, err := drain(t, run)
	if err != nil {
		t.Fatalf("run error: %v", err)
	}
	for _, c := range ofType(chunks, ChunkText) {
		if strings.Contains(c.Text, "dropped") {
			t.Fatal("text after finish reason was forwarded")
		}
	}
	completion := ofType(chunks, ChunkCompletion)[0].Completion
	if completion.Usage == nil || completion.Usage.InputTokens != 7 {
		t.Errorf("trailing usage should be collected, got %+v", completion.Usage)
	}
}

type errProvider struct{ err error }

func (p errProvider) Name() string { return "err" }
func (p errProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return &sliceStream{deltas: []Delta{{Text: "partial"}}, err: p.err}, nil
}

func TestEngineTransportErrorFailsRun(t *testing.T) {
	boom := errors.New("connection reset")
	run := NewEngine(errProvider{err: boom}, nil).Run(context.Background(), []Message{UserText("x")}, DefaultLoopConfig())
	chunks, err := drain(t, run)
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want wrapped transport error", err)
	}
	if len(ofType(chunks, ChunkCompletion)) != 0 {
		t.Error("failed run must not emit a completion")
	}
	if run.Result().Status != StatusFailed {
		t.Errorf("status=%s", run.Result().Status)
	}
}

func TestEngineCancellation(t *testing.T) {
	release := make(chan struct{})
	reg := NewToolRegistry()
	reg.MustRegister(ToolRegistration{
		Name: "wait",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			close(release)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	provider := &fakeProvider{script: func(call int, req Request) []Delta {
		return toolDeltas("c", "wait", `{}`)
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	run := NewEngine(provider, reg).Run(ctx, []Message{UserText("x")}, DefaultLoopConfig())

	go func() {
		<-release
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := drain(t, run)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	if run.Result().Status != StatusCancelled {
		t.Errorf("status=%s", run.Result().Status)
	}
}

func TestEngineSystemPrompt(t *testing.T) {
	provider := &fakeProvider{script: func(call int, req Request) []Delta { return textDeltas("ok") }}
	engine := NewEngine(provider, nil, WithSystemPrompt("be terse"), WithModel("m1"))

	if _, err := drain(t, engine.Run(context.Background(), []Message{UserText("x")}, DefaultLoopConfig())); err != nil {
		t.Fatal(err)
	}
	req := provider.requests()[0]
	if req.Model != "m1" {
		t.Errorf("model=%q", req.Model)
	}
	if req.Messages[0].Role != RoleSystem || req.Messages[0].Content != "be terse" {
		t.Errorf("first message=%+v", req.Messages[0])
	}
}

func TestPendingToolCalls(t *testing.T) {
	history := []Message{
		UserText("x"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "t"}, {ID: "b", Name: "t"}}},
		ToolResultMessage("a", "t", "done"),
	}
	pending := PendingToolCalls(history)
	if len(pending) != 1 || pending[0].ID != "b" {
		t.Errorf("pending=%+v", pending)
	}
	if PendingToolCalls([]Message{UserText("x")}) != nil {
		t.Error("no assistant message means nothing pending")
	}
}
