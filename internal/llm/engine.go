package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/samsaffron/toolstream/internal/artifact"
)

const (
	DefaultMaxIterations = 10

	// skippedToolResult answers calls left unexecuted when the iteration
	// limit stops a run, so the stored history stays acceptable to the API.
	skippedToolResult = "Tool call skipped: the tool iteration limit was reached."
)

// MaxIterationsText is the synthetic text emitted when a run halts on the
// iteration limit.
func MaxIterationsText(max int) string {
	return fmt.Sprintf("\n\n[Reached the maximum of %d tool iterations; stopping.]", max)
}

// LoopConfig controls the tool loop for one run.
type LoopConfig struct {
	// Enabled runs AutoExecute tools and resumes the model with their
	// results. When false the run is a single turn and every tool call is
	// handed to the caller.
	Enabled bool
	// MaxIterations caps executed dispatch rounds. Zero halts at the first
	// tool call without dispatching it; negative values count as zero.
	MaxIterations int
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{Enabled: true, MaxIterations: DefaultMaxIterations}
}

// RunStatus is the state a run halted in.
type RunStatus string

const (
	StatusDone          RunStatus = "done"
	StatusDeferred      RunStatus = "deferred"
	StatusMaxIterations RunStatus = "max_iterations"
	StatusCancelled     RunStatus = "cancelled"
	StatusFailed        RunStatus = "failed"
)

// RunResult describes a finished run.
type RunResult struct {
	Status RunStatus
	// History is the full conversation: the input followed by Produced.
	History []Message
	// Produced holds the messages appended during this run.
	Produced []Message
	// Deferred lists client-side calls awaiting results from the caller.
	Deferred   []ToolCall
	Iterations int
	Usage      Usage
	Err        error
}

// Engine orchestrates provider turns and tool execution.
type Engine struct {
	provider        Provider
	tools           *ToolRegistry
	dispatcher      *Dispatcher
	model           string
	systemPrompt    string
	maxOutputTokens int
	temperature     float32
	logger          *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSystemPrompt sets the system message sent when the history has none.
func WithSystemPrompt(prompt string) EngineOption {
	return func(e *Engine) { e.systemPrompt = prompt }
}

// WithModel overrides the provider's default model.
func WithModel(model string) EngineOption {
	return func(e *Engine) { e.model = model }
}

func WithMaxOutputTokens(n int) EngineOption {
	return func(e *Engine) { e.maxOutputTokens = n }
}

func WithTemperature(t float32) EngineOption {
	return func(e *Engine) { e.temperature = t }
}

func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func NewEngine(provider Provider, tools *ToolRegistry, opts ...EngineOption) *Engine {
	if tools == nil {
		tools = NewToolRegistry()
	}
	e := &Engine{
		provider: provider,
		tools:    tools,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.dispatcher = NewDispatcher(tools, e.logger)
	return e
}

// Tools returns the engine's tool registry.
func (e *Engine) Tools() *ToolRegistry {
	return e.tools
}

// Provider returns the transport the engine streams from.
func (e *Engine) Provider() Provider {
	return e.provider
}

// Run is a single orchestrated conversation step. Chunks are read with Recv
// until it returns an error: io.EOF after a normal halt, the context error
// after cancellation, or the transport error.
type Run struct {
	p      *pipe[Chunk]
	result RunResult
}

func (r *Run) Recv() (Chunk, error) {
	return r.p.recv()
}

// Close cancels the run and waits for it to stop.
func (r *Run) Close() error {
	r.p.close()
	return nil
}

// Result is valid once Recv has returned an error.
func (r *Run) Result() RunResult {
	return r.result
}

// Run starts the tool loop over history. The caller's slice is not modified.
func (e *Engine) Run(ctx context.Context, history []Message, cfg LoopConfig) *Run {
	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = 0
	}
	run := &Run{}
	run.p = startPipe(ctx, 16, func(ctx context.Context, emit func(Chunk) error) error {
		r := &runner{
			engine:  e,
			cfg:     cfg,
			emit:    emit,
			parser:  artifact.NewParser(),
			history: append([]Message(nil), history...),
			base:    len(history),
		}
		status, err := r.loop(ctx)
		if status == StatusCancelled {
			r.parser.Reset()
		}
		run.result = r.result(status, err)

		switch status {
		case StatusFailed:
			e.logger.Error("run failed", "provider", e.provider.Name(), "iterations", r.iterations, "error", err)
		case StatusCancelled:
			e.logger.Debug("run cancelled", "iterations", r.iterations)
		default:
			e.logger.Debug("run finished", "status", status, "iterations", r.iterations,
				"input_tokens", r.usage.InputTokens, "output_tokens", r.usage.OutputTokens)
		}
		return err
	})
	return run
}

// runner holds the state of one run. It is owned by the run goroutine.
type runner struct {
	engine *Engine
	cfg    LoopConfig
	emit   func(Chunk) error
	parser *artifact.Parser

	history []Message
	base    int

	index      int
	firstByte  time.Time
	iterations int
	usage      Usage
	deferred   []ToolCall
}

func (r *runner) result(status RunStatus, err error) RunResult {
	produced := append([]Message(nil), r.history[r.base:]...)
	return RunResult{
		Status:     status,
		History:    r.history,
		Produced:   produced,
		Deferred:   r.deferred,
		Iterations: r.iterations,
		Usage:      r.usage,
		Err:        err,
	}
}

func (r *runner) loop(ctx context.Context) (RunStatus, error) {
	for turn := 0; ; turn++ {
		if err := ctx.Err(); err != nil {
			return StatusCancelled, err
		}

		acc, err := r.streamTurn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return StatusCancelled, ctx.Err()
			}
			return StatusFailed, err
		}

		msg := acc.Message()
		r.history = append(r.history, msg)
		r.engine.logger.Debug("turn complete",
			"turn", turn,
			"finish_reason", acc.FinishReason(),
			"tool_calls", len(msg.ToolCalls),
			"text_len", len(msg.Content))

		if len(msg.ToolCalls) == 0 {
			reason := acc.FinishReason()
			if reason == "" {
				reason = FinishStop
			}
			return r.finish(StatusDone, acc, reason)
		}

		if !r.cfg.Enabled {
			for i := range msg.ToolCalls {
				call := msg.ToolCalls[i]
				if err := r.send(Chunk{Type: ChunkClientTool, ClientTool: &call}); err != nil {
					return StatusCancelled, err
				}
			}
			r.deferred = msg.ToolCalls
			return r.finish(StatusDeferred, acc, FinishToolCalls)
		}

		if r.iterations >= r.cfg.MaxIterations {
			if err := r.send(Chunk{Type: ChunkText, Text: MaxIterationsText(r.cfg.MaxIterations)}); err != nil {
				return StatusCancelled, err
			}
			for _, call := range msg.ToolCalls {
				r.history = append(r.history, ToolResultMessage(call.ID, call.Name, skippedToolResult))
			}
			r.engine.logger.Warn("tool iteration limit reached", "max_iterations", r.cfg.MaxIterations)
			return StatusMaxIterations, nil
		}
		r.iterations++

		deferred, err := r.dispatch(ctx, msg.ToolCalls)
		if err != nil {
			return StatusCancelled, err
		}
		if len(deferred) > 0 {
			r.deferred = deferred
			return r.finish(StatusDeferred, acc, FinishToolCalls)
		}
	}
}

// finish emits the completion chunk for a halting turn.
func (r *runner) finish(status RunStatus, acc *TurnAccumulator, reason string) (RunStatus, error) {
	model := acc.Model()
	if model == "" {
		model = r.engine.model
	}
	completion := &Completion{FinishReason: reason, Model: model, ID: acc.ID()}
	if r.usage != (Usage{}) {
		usage := r.usage
		completion.Usage = &usage
	}
	if err := r.send(Chunk{Type: ChunkCompletion, Completion: completion}); err != nil {
		return StatusCancelled, err
	}
	return status, nil
}

func (r *runner) request() Request {
	messages := r.history
	if prompt := r.engine.systemPrompt; prompt != "" && !hasSystemMessage(messages) {
		messages = append([]Message{SystemText(prompt)}, messages...)
	}
	return Request{
		Model:           r.engine.model,
		Messages:        messages,
		Tools:           r.engine.tools.AllSpecs(),
		MaxOutputTokens: r.engine.maxOutputTokens,
		Temperature:     r.engine.temperature,
	}
}

// streamTurn streams one assistant turn, forwarding text, artifact and
// tool-call fragments as they arrive.
func (r *runner) streamTurn(ctx context.Context) (*TurnAccumulator, error) {
	stream, err := r.engine.provider.Stream(ctx, r.request())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.engine.provider.Name(), err)
	}
	defer stream.Close()

	acc := NewTurnAccumulator()
	finished := false
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", r.engine.provider.Name(), err)
		}
		if r.firstByte.IsZero() {
			r.firstByte = time.Now()
		}

		// Content after the finish reason is ignored; trailing usage and
		// metadata are still collected.
		if finished {
			delta.Text = ""
			delta.ToolCalls = nil
		}
		acc.Add(delta)

		if delta.Text != "" {
			if err := r.sendParsed(r.parser.Feed(delta.Text)); err != nil {
				return nil, err
			}
		}
		for i := range delta.ToolCalls {
			fragment := delta.ToolCalls[i]
			if err := r.send(Chunk{Type: ChunkToolCallDelta, ToolDelta: &fragment}); err != nil {
				return nil, err
			}
		}
		if delta.FinishReason != "" {
			finished = true
		}
	}

	if err := r.sendParsed(r.parser.Flush()); err != nil {
		return nil, err
	}
	r.usage.add(acc.Usage())
	return acc, nil
}

func (r *runner) sendParsed(events []artifact.Event) error {
	for i := range events {
		ev := events[i]
		var chunk Chunk
		if ev.Kind == artifact.KindText {
			chunk = Chunk{Type: ChunkText, Text: ev.Text}
		} else {
			chunk = Chunk{Type: ChunkArtifact, Artifact: &ev}
		}
		if err := r.send(chunk); err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs one batch of tool calls in order and returns the calls
// deferred to the caller. Every call that is not deferred gets exactly one
// tool-role message.
func (r *runner) dispatch(ctx context.Context, calls []ToolCall) ([]ToolCall, error) {
	var deferred []ToolCall
	for i := range calls {
		call := calls[i]
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		reg, registered := r.engine.tools.Get(call.Name)
		if registered && reg.Mode == ModeClientSide {
			if err := r.send(Chunk{Type: ChunkClientTool, ClientTool: &call}); err != nil {
				return nil, err
			}
			deferred = append(deferred, call)
			continue
		}

		if registered {
			if err := r.send(Chunk{Type: ChunkServerTool, ServerTool: &ServerToolEvent{
				Name:      call.Name,
				ID:        call.ID,
				Arguments: call.Arguments,
				State:     ToolExecuting,
			}}); err != nil {
				return nil, err
			}
		}

		outcome, err := r.engine.dispatcher.Execute(ctx, call.Name, call.Arguments)
		if err == nil && outcome.Deferred {
			if err := r.send(Chunk{Type: ChunkClientTool, ClientTool: &call}); err != nil {
				return nil, err
			}
			deferred = append(deferred, call)
			continue
		}

		event := &ServerToolEvent{
			Name:      call.Name,
			ID:        call.ID,
			Arguments: outcome.Arguments,
			Duration:  outcome.Duration,
		}
		var content string
		if err != nil {
			event.State = ToolFailed
			event.Error = err.Error()
			content = "Error: " + err.Error()
		} else {
			event.State = ToolCompleted
			event.Result = outcome.Result
			content = outcome.Result
		}
		if err := r.send(Chunk{Type: ChunkServerTool, ServerTool: event}); err != nil {
			return nil, err
		}
		r.history = append(r.history, ToolResultMessage(call.ID, call.Name, content))
	}
	return deferred, nil
}

func (r *runner) send(c Chunk) error {
	c.Index = r.index
	if !r.firstByte.IsZero() {
		c.Elapsed = time.Since(r.firstByte)
	}
	if err := r.emit(c); err != nil {
		return err
	}
	r.index++
	return nil
}

func hasSystemMessage(messages []Message) bool {
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			return true
		}
	}
	return false
}

// PendingToolCalls returns the calls of the last assistant message that have
// no tool-role reply yet. A deferred run is resumed by appending one tool
// message per pending call and running again.
func PendingToolCalls(history []Message) []ToolCall {
	last := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleAssistant {
			last = i
			break
		}
	}
	if last < 0 || len(history[last].ToolCalls) == 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, msg := range history[last+1:] {
		if msg.Role == RoleTool {
			answered[msg.ToolCallID] = true
		}
	}
	var pending []ToolCall
	for _, call := range history[last].ToolCalls {
		if !answered[call.ID] {
			pending = append(pending, call)
		}
	}
	return pending
}
