package cmd

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/session"
	"github.com/samsaffron/toolstream/internal/signal"
	"github.com/samsaffron/toolstream/internal/wire"
)

var (
	serveAddr        string
	serveToken       string
	serveAllowNoAuth bool
	serveCORSOrigins []string
	serveSessionTTL  time.Duration
	serveSessionMax  int
	serveNoTools     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the SSE streaming server",
	Long: `Run an HTTP server that streams tool-loop runs as server-sent events.

Endpoints:
  POST /v1/chat     stream a run (send session_id to keep server-side history)
  GET  /v1/tools    list registered tools
  GET  /healthz`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token for API auth (auto-generated if omitted)")
	serveCmd.Flags().BoolVar(&serveAllowNoAuth, "allow-no-auth", false, "Disable auth (only allowed on loopback host)")
	serveCmd.Flags().StringArrayVar(&serveCORSOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable, or '*' for all)")
	serveCmd.Flags().DurationVar(&serveSessionTTL, "session-ttl", 30*time.Minute, "Idle time before a session leaves memory")
	serveCmd.Flags().IntVar(&serveSessionMax, "session-max", 1000, "Max sessions held in memory")
	serveCmd.Flags().BoolVar(&serveNoTools, "no-tools", false, "Do not register any tools")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveSessionTTL <= 0 {
		return fmt.Errorf("invalid --session-ttl %s (must be > 0)", serveSessionTTL)
	}
	if serveSessionMax <= 0 {
		return fmt.Errorf("invalid --session-max %d (must be > 0)", serveSessionMax)
	}

	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	addr := rt.cfg.Serve.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}

	requireAuth := !serveAllowNoAuth
	if !requireAuth && !isLoopbackHost(host) {
		return fmt.Errorf("--allow-no-auth is only allowed on loopback hosts (got %q)", host)
	}
	token := strings.TrimSpace(serveToken)
	if token == "" {
		token = strings.TrimSpace(rt.cfg.Serve.Token)
	}
	if requireAuth && token == "" {
		if token, err = generateServeToken(); err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
	}

	corsOrigins := rt.cfg.Serve.CORSOrigins
	if len(serveCORSOrigins) > 0 {
		corsOrigins = serveCORSOrigins
	}

	ctx, stop := signal.NotifyContext()
	defer stop()

	engine, err := rt.newEngine(engineOptions{noTools: serveNoTools})
	if err != nil {
		return err
	}
	store, err := rt.openSessionStore()
	if err != nil {
		return err
	}
	defer store.Close()

	server := newServeServer(serveServerConfig{
		addr:        addr,
		requireAuth: requireAuth,
		token:       token,
		corsOrigins: corsOrigins,
		rateLimit:   rt.cfg.Serve.RateLimit,
		rateBurst:   rt.cfg.Serve.RateBurst,
		sessionTTL:  serveSessionTTL,
		sessionMax:  serveSessionMax,
	}, engine, rt.loopConfig(nil), rt.cfg.ActiveModel(), store, rt.logger)
	if err := server.Start(); err != nil {
		return err
	}

	rt.logger.Info("server listening", "addr", addr, "provider", engine.Provider().Name(),
		"model", rt.cfg.ActiveModel(), "tools", engine.Tools().Len(), "auth", authSummary(requireAuth))
	if requireAuth && serveToken == "" && rt.cfg.Serve.Token == "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Bearer token: %s\n", token)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func authSummary(required bool) string {
	if required {
		return "bearer required"
	}
	return "disabled"
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	return h == "127.0.0.1" || h == "localhost" || h == "::1"
}

func generateServeToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

type serveServerConfig struct {
	addr        string
	requireAuth bool
	token       string
	corsOrigins []string
	rateLimit   float64
	rateBurst   int
	sessionTTL  time.Duration
	sessionMax  int
}

type serveServer struct {
	cfg        serveServerConfig
	engine     *llm.Engine
	loop       llm.LoopConfig
	model      string
	store      session.Store
	sessionMgr *serveSessionManager
	limiter    *rate.Limiter
	logger     *slog.Logger
	server     *http.Server
}

func newServeServer(cfg serveServerConfig, engine *llm.Engine, loop llm.LoopConfig, model string, store session.Store, logger *slog.Logger) *serveServer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.sessionTTL <= 0 {
		cfg.sessionTTL = 30 * time.Minute
	}
	if cfg.sessionMax <= 0 {
		cfg.sessionMax = 1000
	}
	s := &serveServer{
		cfg:    cfg,
		engine: engine,
		loop:   loop,
		model:  model,
		store:  store,
		logger: logger,
	}
	if cfg.rateLimit > 0 {
		burst := cfg.rateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.rateLimit), burst)
	}
	s.sessionMgr = newServeSessionManager(cfg.sessionTTL, cfg.sessionMax, s.openRuntime)
	return s
}

// Handler returns the routed handler.
func (s *serveServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/tools", s.cors(s.auth(s.handleTools)))
	mux.HandleFunc("/v1/chat", s.cors(s.auth(s.rateLimit(s.handleChat))))
	return mux
}

func (s *serveServer) Start() error {
	s.server = &http.Server{
		Addr:              s.cfg.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		return nil
	}
}

func (s *serveServer) Stop(ctx context.Context) error {
	s.sessionMgr.Close()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *serveServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *serveServer) auth(next http.HandlerFunc) http.HandlerFunc {
	if !s.cfg.requireAuth {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, prefix) {
			writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		gotToken := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		if subtle.ConstantTimeCompare([]byte(gotToken), []byte(s.cfg.token)) != 1 {
			writeAPIError(w, http.StatusUnauthorized, "invalid_api_key", "invalid authentication credentials")
			return
		}
		next(w, r)
	}
}

func (s *serveServer) cors(next http.HandlerFunc) http.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.corsOrigins))
	allowAll := false
	for _, origin := range s.cfg.corsOrigins {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		if o == "*" {
			allowAll = true
			continue
		}
		allowed[o] = struct{}{}
	}

	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, session_id")
			w.Header().Set("Access-Control-Expose-Headers", "Session-Id")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

// rateLimit rejects requests beyond the configured rate with 429.
func (s *serveServer) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeAPIError(w, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
			return
		}
		next(w, r)
	}
}

type toolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Mode        string         `json:"mode"`
	Schema      map[string]any `json:"schema"`
}

func (s *serveServer) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": listTools(s.engine.Tools())})
}

func listTools(registry *llm.ToolRegistry) []toolInfo {
	out := make([]toolInfo, 0, registry.Len())
	for _, name := range registry.Names() {
		reg, ok := registry.Get(name)
		if !ok {
			continue
		}
		spec := reg.Spec()
		out = append(out, toolInfo{
			Name:        spec.Name,
			Description: spec.Description,
			Mode:        reg.Mode.String(),
			Schema:      spec.Schema,
		})
	}
	return out
}

// chatRequest is the body of POST /v1/chat. Without a session id the
// messages are the whole conversation; with one they are appended to the
// stored history.
type chatRequest struct {
	SessionID     string        `json:"session_id,omitempty"`
	Messages      []llm.Message `json:"messages"`
	MaxIterations *int          `json:"max_iterations,omitempty"`
	ToolLoop      *bool         `json:"tool_loop,omitempty"`
}

func (s *serveServer) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeAPIError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	if err := requireJSONContentType(r); err != nil {
		writeAPIError(w, http.StatusUnsupportedMediaType, "invalid_request_error", err.Error())
		return
	}

	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	loop := s.loop
	if req.MaxIterations != nil {
		if *req.MaxIterations < 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid_request_error", "max_iterations must not be negative")
			return
		}
		loop.MaxIterations = *req.MaxIterations
	}
	if req.ToolLoop != nil {
		loop.Enabled = *req.ToolLoop
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.Header.Get("session_id"))
	}
	if sessionID == "" {
		if len(llm.PendingToolCalls(req.Messages)) > 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid_request_error", errUnansweredCalls.Error())
			return
		}
		s.streamRun(w, r, req.Messages, loop)
		return
	}

	err := s.runSession(sessionID, func(conv *conversation) error {
		history, err := conv.extend(req.Messages)
		if err != nil {
			return err
		}
		w.Header().Set("Session-Id", conv.ID())
		res := s.streamRun(w, r, history, loop)
		if err := conv.record(context.Background(), req.Messages, res); err != nil {
			s.logger.Warn("failed to save session", "session", conv.ID(), "error", err)
		}
		return nil
	})
	var openErr *sessionOpenError
	switch {
	case errors.As(err, &openErr):
		s.logger.Error("open session failed", "session", sessionID, "error", openErr.err)
		writeAPIError(w, http.StatusInternalServerError, "server_error", "failed to open session")
	case errors.Is(err, errServeSessionBusy):
		writeAPIError(w, http.StatusConflict, "conflict", err.Error())
	case err != nil:
		writeAPIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	}
}

type sessionOpenError struct{ err error }

func (e *sessionOpenError) Error() string { return "open session: " + e.err.Error() }
func (e *sessionOpenError) Unwrap() error { return e.err }

// runSession runs fn on the session's runtime. A runtime evicted between
// lookup and lock is replaced by a fresh one loaded from the store.
func (s *serveServer) runSession(id string, fn func(*conversation) error) error {
	for {
		// Stateful sessions outlive a single HTTP request context.
		rt, err := s.sessionMgr.GetOrCreate(context.Background(), id)
		if err != nil {
			return &sessionOpenError{err: err}
		}
		if err := rt.Run(fn); !errors.Is(err, errServeSessionRetired) {
			return err
		}
	}
}

// streamRun runs the engine over history and writes the wire events as SSE.
// It returns once the run has fully stopped.
func (s *serveServer) streamRun(w http.ResponseWriter, r *http.Request, history []llm.Message, loop llm.LoopConfig) llm.RunResult {
	wire.SetHeaders(w)
	w.WriteHeader(http.StatusOK)
	sse := wire.NewWriter(w)

	run := s.engine.Run(r.Context(), history, loop)
	err := wire.Forward(run, wire.NewMapper().WithModel(s.model), sse.Write)
	switch {
	case err == nil:
		_ = sse.Done()
	case errors.Is(err, context.Canceled):
		s.logger.Debug("client went away", "path", r.URL.Path)
	default:
		s.logger.Warn("stream write failed", "error", err)
	}
	run.Close()
	return run.Result()
}

func validateMessages(msgs []llm.Message) error {
	if len(msgs) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, msg := range msgs {
		switch msg.Role {
		case llm.RoleUser, llm.RoleSystem:
		case llm.RoleAssistant:
			for _, call := range msg.ToolCalls {
				if call.ID == "" || call.Name == "" {
					return fmt.Errorf("messages[%d]: tool calls need id and name", i)
				}
			}
		case llm.RoleTool:
			if msg.ToolCallID == "" {
				return fmt.Errorf("messages[%d]: tool messages need tool_call_id", i)
			}
		default:
			return fmt.Errorf("messages[%d]: unknown role %q", i, msg.Role)
		}
	}
	return nil
}

func (s *serveServer) openRuntime(ctx context.Context, id string) (*serveRuntime, error) {
	conv, err := loadConversation(ctx, s.store, id)
	if errors.Is(err, session.ErrSessionNotFound) {
		conv, err = newConversation(ctx, s.store, id, s.engine.Provider().Name(), s.model)
	}
	if err != nil {
		return nil, err
	}
	return &serveRuntime{conv: conv}, nil
}

type serveSessionManager struct {
	ttl     time.Duration
	max     int
	factory func(context.Context, string) (*serveRuntime, error)

	mu       sync.Mutex
	sessions map[string]*serveRuntime
	creating map[string]*sessionCreateInFlight
	closed   bool
	stopCh   chan struct{}
}

type sessionCreateInFlight struct {
	done chan struct{}
	rt   *serveRuntime
	err  error
}

func newServeSessionManager(ttl time.Duration, max int, factory func(context.Context, string) (*serveRuntime, error)) *serveSessionManager {
	m := &serveSessionManager{
		ttl:      ttl,
		max:      max,
		factory:  factory,
		sessions: make(map[string]*serveRuntime),
		creating: make(map[string]*sessionCreateInFlight),
		stopCh:   make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *serveSessionManager) janitor() {
	ticker := time.NewTicker(max(30*time.Second, m.ttl/2))
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stopCh:
			return
		}
	}
}

// evictExpired drops idle runtimes from memory. Their history stays in the
// session store and is reloaded on the next request.
func (m *serveSessionManager) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rt := range m.sessions {
		if now.Sub(rt.LastUsed()) > m.ttl && rt.retire() {
			delete(m.sessions, id)
		}
	}
}

func (m *serveSessionManager) GetOrCreate(ctx context.Context, id string) (*serveRuntime, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("session manager closed")
	}
	if rt, ok := m.sessions[id]; ok {
		rt.Touch()
		m.mu.Unlock()
		return rt, nil
	}
	if inflight, ok := m.creating[id]; ok {
		m.mu.Unlock()
		<-inflight.done
		if inflight.err != nil {
			return nil, inflight.err
		}
		inflight.rt.Touch()
		return inflight.rt, nil
	}
	inflight := &sessionCreateInFlight{done: make(chan struct{})}
	m.creating[id] = inflight
	m.mu.Unlock()

	rt, err := m.factory(ctx, id)

	m.mu.Lock()
	delete(m.creating, id)
	switch {
	case err != nil:
		inflight.err = err
	case m.closed:
		inflight.err = fmt.Errorf("session manager closed")
	default:
		rt.Touch()
		if len(m.sessions) >= m.max {
			m.evictOldestLocked()
		}
		m.sessions[id] = rt
		inflight.rt = rt
	}
	close(inflight.done)
	m.mu.Unlock()

	if inflight.err != nil {
		return nil, inflight.err
	}
	return inflight.rt, nil
}

// evictOldestLocked retires the least recently used idle runtime. Runtimes
// with a request in flight are never evicted; when all of them are busy the
// map grows past max until one finishes.
func (m *serveSessionManager) evictOldestLocked() {
	ids := make([]string, 0, len(m.sessions))
	for sid := range m.sessions {
		ids = append(ids, sid)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.sessions[ids[i]].LastUsed().Before(m.sessions[ids[j]].LastUsed())
	})
	for _, sid := range ids {
		if m.sessions[sid].retire() {
			delete(m.sessions, sid)
			return
		}
	}
}

// Len reports how many runtimes are held in memory.
func (m *serveSessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *serveSessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.stopCh)
	m.sessions = map[string]*serveRuntime{}
}

// serveRuntime is one in-memory session. Only one run may use it at a time.
type serveRuntime struct {
	mu               sync.Mutex
	conv             *conversation
	retired          bool
	lastUsedUnixNano atomic.Int64
}

var (
	errServeSessionBusy    = errors.New("session is busy processing another request")
	errServeSessionRetired = errors.New("session runtime was evicted")
)

func (rt *serveRuntime) Touch() {
	rt.lastUsedUnixNano.Store(time.Now().UnixNano())
}

func (rt *serveRuntime) LastUsed() time.Time {
	unixNano := rt.lastUsedUnixNano.Load()
	if unixNano == 0 {
		return time.Time{}
	}
	return time.Unix(0, unixNano)
}

// Run holds the session for the duration of fn, failing fast with
// errServeSessionBusy when another request has it.
func (rt *serveRuntime) Run(fn func(*conversation) error) error {
	if !rt.mu.TryLock() {
		return errServeSessionBusy
	}
	defer rt.mu.Unlock()
	if rt.retired {
		return errServeSessionRetired
	}
	rt.Touch()
	defer rt.Touch()
	return fn(rt.conv)
}

// retire marks an idle runtime as evicted so a request still holding a
// pointer to it cannot run on stale history. It reports false when a run is
// in flight.
func (rt *serveRuntime) retire() bool {
	if !rt.mu.TryLock() {
		return false
	}
	defer rt.mu.Unlock()
	rt.retired = true
	return true
}

func writeAPIError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 10<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}
