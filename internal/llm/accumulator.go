package llm

import (
	"fmt"
	"sort"
	"strings"
)

// TurnAccumulator assembles one assistant turn from streamed deltas.
type TurnAccumulator struct {
	text    strings.Builder
	byIndex map[int]*toolCallState
	order   []int

	finishReason string
	model        string
	id           string
	usage        *Usage
}

type toolCallState struct {
	id   string
	name string
	args strings.Builder
}

func NewTurnAccumulator() *TurnAccumulator {
	return &TurnAccumulator{byIndex: make(map[int]*toolCallState)}
}

// AddText appends assistant text in arrival order.
func (a *TurnAccumulator) AddText(text string) {
	a.text.WriteString(text)
}

// AddToolCalls merges tool-call fragments. The first fragment for an index
// seeds id and name; later fragments overwrite them only when non-empty.
// Argument fragments are always appended.
func (a *TurnAccumulator) AddToolCalls(calls []ToolCallDelta) {
	for _, call := range calls {
		state, ok := a.byIndex[call.Index]
		if !ok {
			state = &toolCallState{}
			a.byIndex[call.Index] = state
			a.order = append(a.order, call.Index)
		}
		if call.ID != "" {
			state.id = call.ID
		}
		if call.Name != "" {
			state.name = call.Name
		}
		if call.Arguments != "" {
			state.args.WriteString(call.Arguments)
		}
	}
}

// Add folds a full transport delta into the turn.
func (a *TurnAccumulator) Add(d Delta) {
	if d.Text != "" {
		a.AddText(d.Text)
	}
	if len(d.ToolCalls) > 0 {
		a.AddToolCalls(d.ToolCalls)
	}
	if d.FinishReason != "" {
		a.finishReason = d.FinishReason
	}
	if d.Model != "" {
		a.model = d.Model
	}
	if d.ID != "" {
		a.id = d.ID
	}
	if d.Usage != nil {
		if a.usage == nil {
			a.usage = &Usage{}
		}
		a.usage.add(d.Usage)
	}
}

// Calls returns the accumulated calls ordered by index. Calls that never
// received an id get call_<index>.
func (a *TurnAccumulator) Calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	order := append([]int(nil), a.order...)
	sort.Ints(order)
	calls := make([]ToolCall, 0, len(order))
	for _, idx := range order {
		state := a.byIndex[idx]
		id := state.id
		if id == "" {
			id = fmt.Sprintf("call_%d", idx)
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      state.name,
			Arguments: state.args.String(),
		})
	}
	return calls
}

// Message materializes the assistant message for the turn.
func (a *TurnAccumulator) Message() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   a.text.String(),
		ToolCalls: a.Calls(),
	}
}

func (a *TurnAccumulator) FinishReason() string { return a.finishReason }
func (a *TurnAccumulator) Model() string        { return a.model }
func (a *TurnAccumulator) ID() string           { return a.id }
func (a *TurnAccumulator) Usage() *Usage        { return a.usage }
