package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"
)

// ErrToolNotRegistered is returned for calls naming an unknown tool.
var ErrToolNotRegistered = errors.New("not registered")

// ExecutionError is a failed AutoExecute handler run, including panics and
// schema violations. Only Message reaches the model.
type ExecutionError struct {
	Tool     string
	Message  string
	Duration time.Duration
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %s", e.Tool, e.Message)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Outcome is the result of a dispatch that did not fail.
type Outcome struct {
	// Result is the stringified handler value; empty when Deferred.
	Result string
	// Deferred is set for ClientSide tools; no handler ran.
	Deferred bool
	// Arguments is the normalized (and possibly repaired) argument text.
	Arguments string
	Duration  time.Duration
}

// Dispatcher resolves tool calls against a registry and runs handlers.
type Dispatcher struct {
	registry *ToolRegistry
	logger   *slog.Logger
}

func NewDispatcher(registry *ToolRegistry, logger *slog.Logger) *Dispatcher {
	if registry == nil {
		registry = NewToolRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger}
}

// Execute runs the named tool with the raw argument text the model produced.
// Errors are either ErrToolNotRegistered or *ExecutionError; handler panics
// never escape.
func (d *Dispatcher) Execute(ctx context.Context, name, rawArgs string) (Outcome, error) {
	args := NormalizeArguments(rawArgs)
	var parsed interface{}
	parseErr := json.Unmarshal([]byte(args), &parsed)
	if parseErr != nil {
		if repaired := RepairArguments(args); repaired != args {
			if err := json.Unmarshal([]byte(repaired), &parsed); err == nil {
				args, parseErr = repaired, nil
			}
		}
	}

	entry, ok := d.registry.lookup(name)
	if !ok {
		return Outcome{Arguments: args}, d.notRegistered(name)
	}
	if entry.reg.Mode == ModeClientSide {
		return Outcome{Arguments: args, Deferred: true}, nil
	}

	// Unparseable arguments go to the handler as-is; its own decode error
	// becomes the execution error.
	if entry.schema != nil && parseErr == nil {
		if err := entry.schema.Validate(parsed); err != nil {
			return Outcome{Arguments: args}, &ExecutionError{
				Tool:    name,
				Message: fmt.Sprintf("invalid arguments: %v", err),
				Err:     err,
			}
		}
	}

	start := time.Now()
	value, err := invokeHandler(ctx, entry.reg.Handler, json.RawMessage(args))
	duration := time.Since(start)
	if err != nil {
		d.logger.Warn("tool execution failed", "tool", name, "error", err, "duration", duration)
		return Outcome{Arguments: args, Duration: duration}, &ExecutionError{
			Tool:     name,
			Message:  err.Error(),
			Duration: duration,
			Err:      err,
		}
	}

	result, err := stringifyResult(value)
	if err != nil {
		return Outcome{Arguments: args, Duration: duration}, &ExecutionError{
			Tool:     name,
			Message:  err.Error(),
			Duration: duration,
			Err:      err,
		}
	}
	return Outcome{Result: result, Arguments: args, Duration: duration}, nil
}

func (d *Dispatcher) notRegistered(name string) error {
	if matches := fuzzy.Find(name, d.registry.Names()); len(matches) > 0 {
		return fmt.Errorf("tool %q is %w (did you mean %q?)", name, ErrToolNotRegistered, matches[0].Str)
	}
	return fmt.Errorf("tool %q is %w", name, ErrToolNotRegistered)
}

func invokeHandler(ctx context.Context, h Handler, args json.RawMessage) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(ctx, args)
}

func stringifyResult(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case json.RawMessage:
		return string(val), nil
	case fmt.Stringer:
		return val.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

// NormalizeArguments turns the model's argument text into something that
// looks like JSON: empty becomes {}, and bare text is wrapped in braces.
func NormalizeArguments(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "{}"
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return "{" + trimmed + "}"
	}
	return trimmed
}

// RepairArguments appends the closing braces missing from a plain count of
// '{' against '}'. Nothing else is repaired: brackets, quotes and trailing
// commas are left alone.
func RepairArguments(s string) string {
	missing := strings.Count(s, "{") - strings.Count(s, "}")
	if missing <= 0 {
		return s
	}
	return s + strings.Repeat("}", missing)
}
