package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/session"
	"github.com/samsaffron/toolstream/internal/testutil"
	"github.com/samsaffron/toolstream/internal/wire"
)

type testServer struct {
	*httptest.Server
	serve    *serveServer
	provider *testutil.ScriptedProvider
	store    session.Store
	add      *testutil.MockTool
}

func newTestServer(t *testing.T, cfg serveServerConfig, turns ...testutil.Turn) *testServer {
	t.Helper()
	store, err := session.NewSQLiteStore(session.Config{Enabled: true, Path: filepath.Join(t.TempDir(), "sessions.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	provider := testutil.NewScriptedProvider(turns...)
	registry := llm.NewToolRegistry()
	add := testutil.NewMockTool("add", "5")
	registry.MustRegister(add.Registration())
	registry.MustRegister(testutil.ClientTool("get_location"))

	engine := llm.NewEngine(provider, registry, llm.WithModel("test-model"))
	srv := newServeServer(cfg, engine, llm.DefaultLoopConfig(), "test-model", store, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.sessionMgr.Close()
		store.Close()
	})
	return &testServer{Server: ts, serve: srv, provider: provider, store: store, add: add}
}

func (ts *testServer) post(t *testing.T, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/chat", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// readEvents parses an SSE body into events and reports whether [DONE] was seen.
func readEvents(t *testing.T, r io.Reader) ([]wire.Event, bool) {
	t.Helper()
	var events []wire.Event
	done := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			done = true
			continue
		}
		var ev wire.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events, done
}

func eventTypes(events []wire.Event) string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = string(ev.Type)
	}
	return strings.Join(types, ",")
}

func TestServeChatStreamsEvents(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{}, testutil.TextTurn("Hel", "lo"))

	resp := ts.post(t, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content-type=%q", ct)
	}
	events, done := readEvents(t, resp.Body)
	if !done {
		t.Error("missing [DONE]")
	}
	if got := eventTypes(events); got != "text,text,completion" {
		t.Fatalf("events=%s", got)
	}
	for i, ev := range events {
		if ev.ChunkIndex != i {
			t.Errorf("event %d chunkIndex=%d", i, ev.ChunkIndex)
		}
	}
	if events[2].FinishReason != "stop" || events[2].Model != "test-model" {
		t.Errorf("completion=%+v", events[2])
	}
}

func TestServeChatExecutesTools(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{},
		testutil.ToolTurn(llm.ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":2,"b":3}`}),
		testutil.TextTurn("It is 5."),
	)

	resp := ts.post(t, `{"messages":[{"role":"user","content":"2+3?"}]}`, nil)
	events, _ := readEvents(t, resp.Body)
	if got := eventTypes(events); got != "tool_executing,tool_completed,text,completion" {
		t.Fatalf("events=%s", got)
	}
	if events[1].Result != "5" || events[1].ToolID != "call_1" {
		t.Errorf("tool completed=%+v", events[1])
	}
	if ts.add.InvocationCount() != 1 {
		t.Errorf("invocations=%d", ts.add.InvocationCount())
	}
}

func TestServeChatZeroMaxIterations(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{},
		testutil.ToolTurn(llm.ToolCall{ID: "call_1", Name: "add", Arguments: `{"a":2,"b":3}`}),
	)

	resp := ts.post(t, `{"max_iterations":0,"messages":[{"role":"user","content":"2+3?"}]}`, nil)
	events, done := readEvents(t, resp.Body)
	if got := eventTypes(events); got != "text,completion" || !done {
		t.Fatalf("events=%s done=%v", got, done)
	}
	if events[0].TextDelta != llm.MaxIterationsText(0) {
		t.Errorf("text=%q", events[0].TextDelta)
	}
	if ts.add.InvocationCount() != 0 {
		t.Errorf("invocations=%d, want none", ts.add.InvocationCount())
	}
}

func TestServeChatSessionDeferralAndResume(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{},
		testutil.ToolTurn(llm.ToolCall{ID: "call_loc", Name: "get_location", Arguments: `{}`}),
		testutil.TextTurn("You are in Paris."),
	)

	resp := ts.post(t, `{"session_id":"sess_test","messages":[{"role":"user","content":"where am I?"}]}`, nil)
	if got := resp.Header.Get("Session-Id"); got != "sess_test" {
		t.Errorf("Session-Id=%q", got)
	}
	events, done := readEvents(t, resp.Body)
	if !done {
		t.Error("missing [DONE]")
	}
	if got := eventTypes(events); got != "tool_client,completion" {
		t.Fatalf("first run events=%s", got)
	}
	if events[0].ToolID != "call_loc" {
		t.Errorf("client tool=%+v", events[0])
	}

	sess, err := ts.store.Get(context.Background(), "sess_test")
	if err != nil {
		t.Fatalf("session not stored: %v", err)
	}
	if sess.Status != session.StatusAwaitingTools {
		t.Errorf("status=%q", sess.Status)
	}

	// A new user turn cannot skip the pending call.
	resp = ts.post(t, `{"session_id":"sess_test","messages":[{"role":"user","content":"hello?"}]}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unanswered resume status=%d", resp.StatusCode)
	}

	resp = ts.post(t, `{"session_id":"sess_test","messages":[{"role":"tool","tool_call_id":"call_loc","content":"Paris"}]}`, nil)
	events, _ = readEvents(t, resp.Body)
	if got := eventTypes(events); got != "text,completion" {
		t.Fatalf("resume events=%s", got)
	}

	reqs := ts.provider.Requests()
	last := reqs[len(reqs)-1].Messages
	if len(last) != 3 || last[2].Role != llm.RoleTool || last[2].Content != "Paris" {
		t.Errorf("resumed history=%+v", last)
	}

	msgs, err := ts.store.Messages(context.Background(), "sess_test")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 || msgs[3].Content != "You are in Paris." {
		t.Errorf("stored messages=%+v", msgs)
	}
}

func TestServeChatSessionReloadsFromStore(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{}, testutil.TextTurn("first"), testutil.TextTurn("second"))

	resp := ts.post(t, `{"messages":[{"role":"user","content":"one"}]}`, map[string]string{"session_id": "sess_reload"})
	readEvents(t, resp.Body)

	// Drop the in-memory runtime; history must come back from sqlite.
	ts.serve.sessionMgr.mu.Lock()
	ts.serve.sessionMgr.evictOldestLocked()
	ts.serve.sessionMgr.mu.Unlock()
	if n := ts.serve.sessionMgr.Len(); n != 0 {
		t.Fatalf("runtimes=%d after eviction", n)
	}

	resp = ts.post(t, `{"messages":[{"role":"user","content":"two"}]}`, map[string]string{"session_id": "sess_reload"})
	readEvents(t, resp.Body)

	reqs := ts.provider.Requests()
	if got := len(reqs[1].Messages); got != 3 {
		t.Errorf("second request carried %d messages, want 3", got)
	}
}

func TestServeChatSessionBusy(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{}, testutil.TextTurn("ok"))
	rt, err := ts.serve.sessionMgr.GetOrCreate(context.Background(), "sess_busy")
	if err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	locked := make(chan struct{})
	go func() {
		defer wg.Done()
		_ = rt.Run(func(*conversation) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	resp := ts.post(t, `{"session_id":"sess_busy","messages":[{"role":"user","content":"hi"}]}`, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status=%d, want 409", resp.StatusCode)
	}
	close(release)
	wg.Wait()
}

func TestServeChatRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{}, testutil.TextTurn("ok"))

	tests := []struct {
		name   string
		body   string
		ctype  string
		status int
	}{
		{"wrong content type", `{}`, "text/plain", http.StatusUnsupportedMediaType},
		{"bad json", `{`, "application/json", http.StatusBadRequest},
		{"no messages", `{"messages":[]}`, "application/json", http.StatusBadRequest},
		{"negative max iterations", `{"max_iterations":-1,"messages":[{"role":"user","content":"x"}]}`, "application/json", http.StatusBadRequest},
		{"bad role", `{"messages":[{"role":"robot","content":"x"}]}`, "application/json", http.StatusBadRequest},
		{"tool without id", `{"messages":[{"role":"tool","content":"x"}]}`, "application/json", http.StatusBadRequest},
		{"stateless pending calls", `{"messages":[{"role":"user","content":"x"},{"role":"assistant","tool_calls":[{"id":"c","name":"add","arguments":"{}"}]}]}`, "application/json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.post(t, tt.body, map[string]string{"Content-Type": tt.ctype})
			if resp.StatusCode != tt.status {
				t.Errorf("status=%d, want %d", resp.StatusCode, tt.status)
			}
		})
	}

	resp, err := http.Get(ts.URL + "/v1/chat")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status=%d", resp.StatusCode)
	}
}

func TestServeAuth(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{requireAuth: true, token: "secret"}, testutil.TextTurn("ok"))

	resp := ts.post(t, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status=%d", resp.StatusCode)
	}
	resp = ts.post(t, `{"messages":[{"role":"user","content":"hi"}]}`, map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status=%d", resp.StatusCode)
	}
	resp = ts.post(t, `{"messages":[{"role":"user","content":"hi"}]}`, map[string]string{"Authorization": "Bearer secret"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("good token status=%d", resp.StatusCode)
	}

	health, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Errorf("healthz must not need auth, status=%d", health.StatusCode)
	}
}

func TestServeCORSPreflight(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{requireAuth: true, token: "t", corsOrigins: []string{"https://app.example"}})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/chat", nil)
	req.Header.Set("Origin", "https://app.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("allow-origin=%q", got)
	}
}

func TestServeRateLimit(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{rateLimit: 0.001, rateBurst: 1}, testutil.TextTurn("ok"))

	first := ts.post(t, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	readEvents(t, first.Body)
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status=%d", first.StatusCode)
	}
	second := ts.post(t, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second status=%d, want 429", second.StatusCode)
	}
}

func TestServeListsTools(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{})

	resp, err := http.Get(ts.URL + "/v1/tools")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Tools []toolInfo `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Tools) != 2 || body.Tools[0].Name != "add" || body.Tools[1].Mode != "client" {
		t.Errorf("tools=%+v", body.Tools)
	}
}

func TestServeTransportErrorIsTerminal(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{}, testutil.Turn{
		Deltas:  []llm.Delta{{Text: "partial"}},
		RecvErr: io.ErrUnexpectedEOF,
	})

	resp := ts.post(t, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	events, done := readEvents(t, resp.Body)
	if got := eventTypes(events); got != "text,error" {
		t.Fatalf("events=%s", got)
	}
	if !done {
		t.Error("stream should still end with [DONE]")
	}
}

func TestSessionManagerEvictsIdle(t *testing.T) {
	calls := 0
	m := newServeSessionManager(time.Minute, 2, func(ctx context.Context, id string) (*serveRuntime, error) {
		calls++
		return &serveRuntime{conv: &conversation{}}, nil
	})
	defer m.Close()

	ctx := context.Background()
	a, _ := m.GetOrCreate(ctx, "a")
	if again, _ := m.GetOrCreate(ctx, "a"); again != a {
		t.Error("same id should return the cached runtime")
	}
	m.GetOrCreate(ctx, "b")
	m.GetOrCreate(ctx, "c")
	if m.Len() != 2 {
		t.Errorf("len=%d, want max 2", m.Len())
	}
	if calls != 3 {
		t.Errorf("factory calls=%d", calls)
	}

	m.mu.Lock()
	for _, rt := range m.sessions {
		rt.lastUsedUnixNano.Store(time.Now().Add(-time.Hour).UnixNano())
	}
	m.mu.Unlock()
	m.evictExpired()
	if m.Len() != 0 {
		t.Errorf("len=%d after expiry", m.Len())
	}
}

func TestSessionManagerKeepsBusyRuntimes(t *testing.T) {
	m := newServeSessionManager(time.Hour, 1, func(ctx context.Context, id string) (*serveRuntime, error) {
		return &serveRuntime{conv: &conversation{}}, nil
	})
	defer m.Close()

	ctx := context.Background()
	a, err := m.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.Run(func(*conversation) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	if _, err := m.GetOrCreate(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if m.Len() != 2 {
		t.Errorf("len=%d, busy runtime must not be evicted to make room", m.Len())
	}
	again, err := m.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if again != a {
		t.Fatal("busy session was replaced by a fresh runtime")
	}
	if err := again.Run(func(*conversation) error { return nil }); err != errServeSessionBusy {
		t.Errorf("second run err=%v, want errServeSessionBusy", err)
	}

	m.mu.Lock()
	for _, rt := range m.sessions {
		rt.lastUsedUnixNano.Store(time.Now().Add(-2 * time.Hour).UnixNano())
	}
	m.mu.Unlock()
	m.evictExpired()
	if m.Len() != 1 {
		t.Errorf("len=%d after expiry, want only the busy runtime kept", m.Len())
	}

	close(release)
	wg.Wait()
}

func TestServeRunSessionReplacesRetiredRuntime(t *testing.T) {
	ts := newTestServer(t, serveServerConfig{}, testutil.TextTurn("ok"))
	stale, err := ts.serve.sessionMgr.GetOrCreate(context.Background(), "sess_stale")
	if err != nil {
		t.Fatal(err)
	}

	ts.serve.sessionMgr.mu.Lock()
	ts.serve.sessionMgr.evictOldestLocked()
	ts.serve.sessionMgr.mu.Unlock()
	if err := stale.Run(func(*conversation) error { return nil }); err != errServeSessionRetired {
		t.Fatalf("run on evicted runtime err=%v, want errServeSessionRetired", err)
	}

	var got *conversation
	if err := ts.serve.runSession("sess_stale", func(conv *conversation) error {
		got = conv
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if got == nil || got == stale.conv {
		t.Error("runSession should run on a fresh runtime")
	}
}
