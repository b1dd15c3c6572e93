package testutil

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/samsaffron/toolstream/internal/llm"
)

// Turn is one scripted provider response.
type Turn struct {
	Deltas []llm.Delta
	// Err is returned from Stream instead of a stream.
	Err error
	// RecvErr is returned from Recv after all deltas.
	RecvErr error
}

// TextTurn answers with text split into the given fragments.
func TextTurn(fragments ...string) Turn {
	deltas := make([]llm.Delta, 0, len(fragments)+1)
	for _, f := range fragments {
		deltas = append(deltas, llm.Delta{Text: f})
	}
	deltas = append(deltas, llm.Delta{FinishReason: llm.FinishStop, Usage: &llm.Usage{InputTokens: 10, OutputTokens: 5}})
	return Turn{Deltas: deltas}
}

// ToolTurn answers with one complete tool call per entry.
func ToolTurn(calls ...llm.ToolCall) Turn {
	deltas := make([]llm.Delta, 0, len(calls)+1)
	for i, call := range calls {
		deltas = append(deltas, llm.Delta{ToolCalls: []llm.ToolCallDelta{{
			Index:     i,
			ID:        call.ID,
			Name:      call.Name,
			Arguments: call.Arguments,
		}}})
	}
	deltas = append(deltas, llm.Delta{FinishReason: llm.FinishToolCalls})
	return Turn{Deltas: deltas}
}

// ScriptedProvider replays turns in order. Once the script is exhausted the
// last turn repeats, or Fallback is consulted when set.
type ScriptedProvider struct {
	Turns    []Turn
	Fallback func(call int, req llm.Request) Turn

	mu       sync.Mutex
	requests []llm.Request
}

func NewScriptedProvider(turns ...Turn) *ScriptedProvider {
	return &ScriptedProvider{Turns: turns}
}

func (p *ScriptedProvider) Name() string {
	return "scripted"
}

func (p *ScriptedProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	p.mu.Lock()
	call := len(p.requests)
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	var turn Turn
	switch {
	case call < len(p.Turns):
		turn = p.Turns[call]
	case p.Fallback != nil:
		turn = p.Fallback(call, req)
	case len(p.Turns) > 0:
		turn = p.Turns[len(p.Turns)-1]
	default:
		return nil, fmt.Errorf("scripted provider: no turn for call %d", call)
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	return &sliceStream{ctx: ctx, deltas: turn.Deltas, err: turn.RecvErr}, nil
}

// Requests returns a copy of the requests seen so far.
func (p *ScriptedProvider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

type sliceStream struct {
	ctx    context.Context
	deltas []llm.Delta
	err    error
	index  int
}

func (s *sliceStream) Recv() (llm.Delta, error) {
	if err := s.ctx.Err(); err != nil {
		return llm.Delta{}, err
	}
	if s.index >= len(s.deltas) {
		if s.err != nil {
			return llm.Delta{}, s.err
		}
		return llm.Delta{}, io.EOF
	}
	d := s.deltas[s.index]
	s.index++
	return d, nil
}

func (s *sliceStream) Close() error {
	return nil
}
