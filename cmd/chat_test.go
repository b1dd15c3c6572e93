package cmd

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/session"
	"github.com/samsaffron/toolstream/internal/wire"
)

func TestParseToolResults(t *testing.T) {
	pending := []llm.ToolCall{{ID: "call_1", Name: "get_location"}}

	msgs, err := parseToolResults([]string{`call_1={"city":"Paris"}`}, pending)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Name != "get_location" || msgs[0].Content != `{"city":"Paris"}` {
		t.Errorf("msgs=%+v", msgs)
	}

	if _, err := parseToolResults([]string{"call_2=x"}, pending); err == nil {
		t.Error("unknown id should fail")
	}
	if _, err := parseToolResults([]string{"novalue"}, pending); err == nil {
		t.Error("missing = should fail")
	}
}

func TestValidateResume(t *testing.T) {
	history := []llm.Message{
		llm.UserText("q"),
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "a", Name: "t"}, {ID: "b", Name: "t"}}},
	}
	both := []llm.Message{llm.ToolResultMessage("b", "t", "2"), llm.ToolResultMessage("a", "t", "1")}
	if err := validateResume(history, both); err != nil {
		t.Errorf("answering both: %v", err)
	}
	if err := validateResume(history, both[:1]); !errors.Is(err, errUnansweredCalls) {
		t.Errorf("partial answer err=%v", err)
	}
	if err := validateResume(history, []llm.Message{llm.ToolResultMessage("zzz", "t", "")}); err == nil {
		t.Error("unknown id should fail")
	}
	if err := validateResume(nil, both); !errors.Is(err, errNoPendingCalls) {
		t.Errorf("no pending err=%v", err)
	}
	if err := validateResume(nil, []llm.Message{llm.UserText("hi")}); err != nil {
		t.Errorf("plain user turn: %v", err)
	}
}

func TestConversationRecord(t *testing.T) {
	store, err := session.NewSQLiteStore(session.Config{Enabled: true, Path: filepath.Join(t.TempDir(), "s.db")})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()

	conv, err := newConversation(ctx, store, "", "scripted", "m")
	if err != nil {
		t.Fatal(err)
	}
	input := []llm.Message{llm.UserText("hi")}

	if err := conv.record(ctx, input, llm.RunResult{Status: llm.StatusCancelled, Produced: []llm.Message{llm.AssistantText("par")}}); err != nil {
		t.Fatal(err)
	}
	if len(conv.history) != 0 {
		t.Errorf("cancelled run must not extend history: %+v", conv.history)
	}

	if err := conv.record(ctx, input, llm.RunResult{Status: llm.StatusDone, Iterations: 0, Produced: []llm.Message{llm.AssistantText("hello")}}); err != nil {
		t.Fatal(err)
	}
	loaded, err := loadConversation(ctx, store, conv.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.history) != 2 || loaded.history[1].Content != "hello" {
		t.Errorf("history=%+v", loaded.history)
	}
	if loaded.session.Runs != 2 || loaded.session.Status != session.StatusComplete {
		t.Errorf("session=%+v", loaded.session)
	}
}

func TestTextPrinter(t *testing.T) {
	var out, status bytes.Buffer
	p := newTextPrinter(&out, &status)
	events := []wire.Event{
		{Type: wire.TypeText, TextDelta: "Here:"},
		{Type: wire.TypeArtifactStarted, Title: "Hello", ArtifactType: "code"},
		{Type: wire.TypeArtifactContent, ContentDelta: "print(1)"},
		{Type: wire.TypeArtifactCompleted},
		{Type: wire.TypeToolExecuting, ToolName: "add", Arguments: `{"a":1}`},
		{Type: wire.TypeToolCompleted, ToolName: "add", ExecutionMs: 3},
		{Type: wire.TypeCompletion},
	}
	for _, ev := range events {
		if err := p.Print(ev); err != nil {
			t.Fatal(err)
		}
	}
	if got := out.String(); got != "Here:\n--- artifact: Hello (code) ---\nprint(1)\n--- end artifact ---\n\n" {
		t.Errorf("out=%q", got)
	}
	if !strings.Contains(status.String(), "[tool] add done (3ms)") {
		t.Errorf("status=%q", status.String())
	}
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func TestTextPrinterHighlightsArtifactLines(t *testing.T) {
	var out, status bytes.Buffer
	p := newTextPrinter(&out, &status)
	emit := func(ev wire.Event) {
		t.Helper()
		if err := p.Print(ev); err != nil {
			t.Fatal(err)
		}
	}

	emit(wire.Event{Type: wire.TypeArtifactStarted, Title: "main", ArtifactType: "code", Language: "go"})
	header := out.Len()
	emit(wire.Event{Type: wire.TypeArtifactContent, ContentDelta: "package main\nfunc "})
	if got := ansiEscape.ReplaceAllString(out.String()[header:], ""); got != "package main\n" {
		t.Errorf("after first delta=%q, want only the complete line", got)
	}
	emit(wire.Event{Type: wire.TypeArtifactContent, ContentDelta: "main() {}"})
	emit(wire.Event{Type: wire.TypeArtifactCompleted})

	body := out.String()[header:]
	if !strings.Contains(body, "\x1b[") {
		t.Errorf("body=%q, want ANSI colors", body)
	}
	if got := ansiEscape.ReplaceAllString(body, ""); got != "package main\nfunc main() {}\n--- end artifact ---\n" {
		t.Errorf("plain body=%q", got)
	}
}

func TestNewHighlighter(t *testing.T) {
	tests := []struct {
		language, title string
		want            bool
	}{
		{"go", "", true},
		{"python", "", true},
		{"", "main.rs", true},
		{"", "Hello", false},
		{"no-such-language", "", false},
	}
	for _, tt := range tests {
		if got := newHighlighter(tt.language, tt.title) != nil; got != tt.want {
			t.Errorf("newHighlighter(%q, %q) found=%v, want %v", tt.language, tt.title, got, tt.want)
		}
	}
	var none *highlighter
	if got := none.HighlightLine("x := 1"); got != "x := 1" {
		t.Errorf("nil highlighter changed line: %q", got)
	}
}

func TestJSONPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newJSONPrinter(&buf)
	_ = p.Print(wire.Event{Type: wire.TypeText, ChunkIndex: 0, TextDelta: "a"})
	_ = p.Print(wire.Event{Type: wire.TypeCompletion, ChunkIndex: 1, FinishReason: "stop"})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.Contains(lines[1], `"finishReason":"stop"`) {
		t.Errorf("lines=%q", lines)
	}
}

func TestPrintTools(t *testing.T) {
	reg := llm.NewToolRegistry()
	reg.MustRegister(llm.ToolRegistration{Name: "get_location", Mode: llm.ModeClientSide, Description: "city"})
	var buf bytes.Buffer
	if err := printTools(&buf, reg, false); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "get_location") || !strings.Contains(buf.String(), "client") {
		t.Errorf("output=%q", buf.String())
	}
}
