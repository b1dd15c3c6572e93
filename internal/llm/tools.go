package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolMode decides who executes a tool.
type ToolMode int

const (
	// ModeAutoExecute tools run inside the engine and their results are fed
	// back to the model.
	ModeAutoExecute ToolMode = iota
	// ModeClientSide tools are surfaced to the caller, which executes them and
	// resumes the conversation with the results.
	ModeClientSide
)

func (m ToolMode) String() string {
	switch m {
	case ModeAutoExecute:
		return "auto"
	case ModeClientSide:
		return "client"
	default:
		return fmt.Sprintf("ToolMode(%d)", int(m))
	}
}

// ParseToolMode accepts "auto" or "client".
func ParseToolMode(s string) (ToolMode, error) {
	switch s {
	case "", "auto", "auto_execute":
		return ModeAutoExecute, nil
	case "client", "client_side":
		return ModeClientSide, nil
	default:
		return 0, fmt.Errorf("unknown tool mode %q", s)
	}
}

// Handler executes a tool call. The returned value is sent back to the model,
// as-is for strings and JSON-encoded otherwise.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolRegistration binds a tool name to its mode, handler and schema.
type ToolRegistration struct {
	Name        string
	Description string
	Mode        ToolMode
	Handler     Handler
	Schema      map[string]interface{}
}

// Spec returns the form advertised to the model.
func (r ToolRegistration) Spec() ToolSpec {
	schema := r.Schema
	if schema == nil {
		schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return ToolSpec{Name: r.Name, Description: r.Description, Schema: schema}
}

var (
	ErrDuplicateTool  = errors.New("tool already registered")
	ErrMissingHandler = errors.New("auto-execute tool has no handler")
)

type registeredTool struct {
	reg    ToolRegistration
	schema *jsonschema.Schema
}

// ToolRegistry stores tools by name. Registrations are immutable; the
// registry may be shared by concurrent runs.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds a tool. Schemas are compiled up front so invalid schemas fail
// here rather than on the first call.
func (r *ToolRegistry) Register(reg ToolRegistration) error {
	if reg.Name == "" {
		return errors.New("tool name is required")
	}
	if reg.Mode == ModeAutoExecute && reg.Handler == nil {
		return fmt.Errorf("%s: %w", reg.Name, ErrMissingHandler)
	}

	entry := &registeredTool{reg: reg}
	if reg.Schema != nil {
		compiled, err := compileSchema(reg.Name, reg.Schema)
		if err != nil {
			return err
		}
		entry.schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[reg.Name]; ok {
		return fmt.Errorf("%s: %w", reg.Name, ErrDuplicateTool)
	}
	r.tools[reg.Name] = entry
	return nil
}

// MustRegister is Register for static tool tables.
func (r *ToolRegistry) MustRegister(reg ToolRegistration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

func (r *ToolRegistry) Get(name string) (ToolRegistration, bool) {
	entry, ok := r.lookup(name)
	if !ok {
		return ToolRegistration{}, false
	}
	return entry.reg, true
}

func (r *ToolRegistry) lookup(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	return entry, ok
}

// Names returns registered tool names in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// AllSpecs returns the specs for all registered tools, sorted by name.
func (r *ToolRegistry) AllSpecs() []ToolSpec {
	names := r.Names()
	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		if entry, ok := r.lookup(name); ok {
			specs = append(specs, entry.reg.Spec())
		}
	}
	return specs
}

// Len returns the number of registered tools.
func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func compileSchema(name string, schema map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %q: %w", name, err)
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return compiled, nil
}
