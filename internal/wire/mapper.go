package wire

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/samsaffron/toolstream/internal/artifact"
	"github.com/samsaffron/toolstream/internal/llm"
)

// Mapper converts chunks to wire events for one stream. It guarantees at most
// one terminal event; Finish supplies it when the run produced none.
type Mapper struct {
	last        int
	lastElapsed time.Duration
	terminal    bool
	model       string
}

func NewMapper() *Mapper {
	return &Mapper{last: -1}
}

// WithModel sets the model reported on a synthesized completion.
func (m *Mapper) WithModel(model string) *Mapper {
	m.model = model
	return m
}

// Terminated reports whether a terminal event has been produced.
func (m *Mapper) Terminated() bool {
	return m.terminal
}

// Map returns the events for one chunk. Tool-call fragments have no wire
// form, and nothing is returned once the stream has terminated.
func (m *Mapper) Map(c llm.Chunk) []Event {
	if m.terminal {
		return nil
	}
	if c.Index > m.last {
		m.last = c.Index
	}
	m.lastElapsed = c.Elapsed

	ev := Event{ChunkIndex: c.Index, ElapsedMs: millis(c.Elapsed)}
	switch c.Type {
	case llm.ChunkText:
		if c.Text == "" {
			return nil
		}
		ev.Type = TypeText
		ev.TextDelta = c.Text
	case llm.ChunkArtifact:
		if c.Artifact == nil {
			return nil
		}
		mapArtifact(&ev, c.Artifact)
	case llm.ChunkServerTool:
		if c.ServerTool == nil {
			return nil
		}
		t := c.ServerTool
		ev.ToolName = t.Name
		ev.ToolID = t.ID
		ev.Arguments = t.Arguments
		switch t.State {
		case llm.ToolExecuting:
			ev.Type = TypeToolExecuting
		case llm.ToolCompleted:
			ev.Type = TypeToolCompleted
			ev.Result = t.Result
			ev.ExecutionMs = millis(t.Duration)
		default:
			ev.Type = TypeToolError
			ev.Error = t.Error
			ev.ExecutionMs = millis(t.Duration)
		}
	case llm.ChunkClientTool:
		if c.ClientTool == nil {
			return nil
		}
		ev.Type = TypeToolClient
		ev.ToolName = c.ClientTool.Name
		ev.ToolID = c.ClientTool.ID
		ev.Arguments = c.ClientTool.Arguments
	case llm.ChunkCompletion:
		ev.Type = TypeCompletion
		if c.Completion != nil {
			ev.FinishReason = c.Completion.FinishReason
			ev.Model = c.Completion.Model
			ev.ID = c.Completion.ID
			ev.Usage = c.Completion.Usage
		}
		if ev.FinishReason == "" {
			ev.FinishReason = DefaultFinishReason
		}
		if ev.Model == "" {
			ev.Model = m.model
		}
		m.terminal = true
	default:
		return nil
	}
	return []Event{ev}
}

func mapArtifact(ev *Event, a *artifact.Event) {
	ev.ArtifactID = a.ID
	ev.ArtifactType = a.Type
	ev.Title = a.Title
	ev.Language = a.Language
	switch a.Kind {
	case artifact.KindStarted:
		ev.Type = TypeArtifactStarted
	case artifact.KindContent:
		ev.Type = TypeArtifactContent
		ev.ContentDelta = a.Delta
	case artifact.KindCompleted:
		ev.Type = TypeArtifactCompleted
		ev.Content = a.Content
	default:
		ev.Type = TypeText
		ev.TextDelta = a.Text
	}
}

// Error returns the terminal error event, or nothing if the stream already
// terminated.
func (m *Mapper) Error(err error) []Event {
	if m.terminal || err == nil {
		return nil
	}
	m.terminal = true
	m.last++
	return []Event{{
		Type:       TypeError,
		ChunkIndex: m.last,
		ElapsedMs:  millis(m.lastElapsed),
		Error:      err.Error(),
	}}
}

// Finish synthesizes a completion when the stream ended without a terminal
// event.
func (m *Mapper) Finish() []Event {
	if m.terminal {
		return nil
	}
	m.terminal = true
	m.last++
	return []Event{{
		Type:         TypeCompletion,
		ChunkIndex:   m.last,
		ElapsedMs:    millis(m.lastElapsed),
		FinishReason: DefaultFinishReason,
		Model:        m.model,
	}}
}

// Source is anything that yields engine chunks, typically *llm.Run.
type Source interface {
	Recv() (llm.Chunk, error)
}

// Forward drains src through a mapper into send. A run that ends normally or
// fails produces exactly one terminal event. Cancellation produces none and
// returns the context error.
func Forward(src Source, m *Mapper, send func(Event) error) error {
	for {
		chunk, err := src.Recv()
		if err != nil {
			var events []Event
			switch {
			case errors.Is(err, io.EOF):
				events = m.Finish()
			case errors.Is(err, context.Canceled):
				return err
			default:
				events = m.Error(err)
			}
			for _, ev := range events {
				if sendErr := send(ev); sendErr != nil {
					return sendErr
				}
			}
			return nil
		}
		for _, ev := range m.Map(chunk) {
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}

func millis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
