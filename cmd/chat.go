package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/samsaffron/toolstream/internal/llm"
	"github.com/samsaffron/toolstream/internal/signal"
	"github.com/samsaffron/toolstream/internal/wire"
)

var (
	chatSession       string
	chatMaxIterations int
	chatNoTools       bool
	chatNoLoop        bool
	chatJSON          bool
	chatToolResults   []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [prompt]",
	Short: "Run one orchestrated turn",
	Long: `Send a prompt through the tool loop and stream the reply.

When stdout is a terminal the reply is rendered as text; otherwise each
event is written as one JSON object per line.

Examples:
  toolstream chat "what files are in this directory?"
  echo "explain main.go" | toolstream chat
  toolstream chat --session sess_01j... "follow up"
  toolstream chat --session sess_01j... --tool-result call_1='{"city":"Paris"}'`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Continue a stored session")
	chatCmd.Flags().IntVar(&chatMaxIterations, "max-iterations", 0, "Max tool iterations, 0 to never run tools (default from config)")
	chatCmd.Flags().BoolVar(&chatNoTools, "no-tools", false, "Do not register any tools")
	chatCmd.Flags().BoolVar(&chatNoLoop, "no-loop", false, "Single turn; hand every tool call back")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "Always emit JSON lines")
	chatCmd.Flags().StringArrayVar(&chatToolResults, "tool-result", nil, "Answer a pending client-side call as id=content (repeatable)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	rt, err := loadRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, stop := signal.NotifyContext()
	defer stop()

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && !term.IsTerminal(int(os.Stdin.Fd())) {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}

	engine, err := rt.newEngine(engineOptions{noTools: chatNoTools})
	if err != nil {
		return err
	}

	var conv *conversation
	if rt.cfg.Sessions.Enabled {
		store, err := rt.openSessionStore()
		if err != nil {
			return err
		}
		defer store.Close()
		if chatSession != "" {
			conv, err = loadConversation(ctx, store, chatSession)
		} else {
			conv, err = newConversation(ctx, store, "", engine.Provider().Name(), rt.cfg.ActiveModel())
		}
		if err != nil {
			return err
		}
	} else if chatSession != "" || len(chatToolResults) > 0 {
		return fmt.Errorf("--session and --tool-result need sessions.enabled")
	}

	var pending []llm.ToolCall
	if conv != nil {
		pending = llm.PendingToolCalls(conv.history)
	}
	input, err := parseToolResults(chatToolResults, pending)
	if err != nil {
		return err
	}
	if prompt != "" {
		input = append(input, llm.UserText(prompt))
	}
	if len(input) == 0 {
		return fmt.Errorf("nothing to send: give a prompt or --tool-result")
	}

	history := input
	if conv != nil {
		if history, err = conv.extend(input); err != nil {
			return err
		}
	}

	var maxIterations *int
	if cmd.Flags().Changed("max-iterations") {
		if chatMaxIterations < 0 {
			return fmt.Errorf("--max-iterations must not be negative")
		}
		maxIterations = &chatMaxIterations
	}
	loop := rt.loopConfig(maxIterations)
	if chatNoLoop {
		loop.Enabled = false
	}

	interactive := !chatJSON && term.IsTerminal(int(os.Stdout.Fd()))
	var out eventPrinter = newJSONPrinter(os.Stdout)
	if interactive {
		out = newTextPrinter(os.Stdout, os.Stderr)
	}

	run := engine.Run(ctx, history, loop)
	defer run.Close()
	fwdErr := wire.Forward(run, wire.NewMapper().WithModel(rt.cfg.ActiveModel()), out.Print)
	res := run.Result()

	if conv != nil {
		if err := conv.record(context.Background(), input, res); err != nil {
			rt.logger.Warn("failed to save session", "session", conv.ID(), "error", err)
		}
		if interactive {
			fmt.Fprintf(os.Stderr, "\nsession: %s\n", conv.ID())
			if res.Status == llm.StatusDeferred {
				fmt.Fprintf(os.Stderr, "awaiting %d tool result(s); continue with --session %s --tool-result <id>=<content>\n", len(res.Deferred), conv.ID())
			}
		}
	}

	switch {
	case errors.Is(fwdErr, context.Canceled):
		return nil
	case fwdErr != nil:
		return fwdErr
	case res.Status == llm.StatusFailed:
		return fmt.Errorf("run failed: %w", res.Err)
	}
	return nil
}

// parseToolResults turns id=content pairs into tool messages for pending calls.
func parseToolResults(pairs []string, pending []llm.ToolCall) ([]llm.Message, error) {
	names := make(map[string]string, len(pending))
	for _, call := range pending {
		names[call.ID] = call.Name
	}
	msgs := make([]llm.Message, 0, len(pairs))
	for _, pair := range pairs {
		id, content, ok := strings.Cut(pair, "=")
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid --tool-result %q, want id=content", pair)
		}
		name, ok := names[id]
		if !ok {
			return nil, fmt.Errorf("no pending tool call with id %q", id)
		}
		msgs = append(msgs, llm.ToolResultMessage(id, name, content))
	}
	return msgs, nil
}

type eventPrinter interface {
	Print(ev wire.Event) error
}

// writeContent prints artifact body text. With a highlighter, output is
// held back until a line is complete.
func (p *textPrinter) writeContent(delta string) error {
	if p.hl == nil {
		_, err := io.WriteString(p.out, delta)
		return err
	}
	p.partial.WriteString(delta)
	buffered := p.partial.String()
	end := strings.LastIndexByte(buffered, '\n')
	if end < 0 {
		return nil
	}
	var b strings.Builder
	for _, line := range strings.Split(buffered[:end], "\n") {
		b.WriteString(p.hl.HighlightLine(line))
		b.WriteByte('\n')
	}
	p.partial.Reset()
	p.partial.WriteString(buffered[end+1:])
	_, err := io.WriteString(p.out, b.String())
	return err
}

// jsonPrinter writes one event per line.
type jsonPrinter struct {
	enc *json.Encoder
}

func newJSONPrinter(w io.Writer) *jsonPrinter {
	return &jsonPrinter{enc: json.NewEncoder(w)}
}

func (p *jsonPrinter) Print(ev wire.Event) error {
	return p.enc.Encode(ev)
}

// textPrinter renders events for a terminal. Model text and artifact bodies
// go to out; tool activity and errors go to status.
type textPrinter struct {
	out    io.Writer
	status io.Writer

	// Set while a highlighted artifact is open; partial holds the current
	// unterminated line.
	hl      *highlighter
	partial strings.Builder
}

func newTextPrinter(out, status io.Writer) *textPrinter {
	return &textPrinter{out: out, status: status}
}

func (p *textPrinter) Print(ev wire.Event) error {
	var err error
	switch ev.Type {
	case wire.TypeText:
		_, err = io.WriteString(p.out, ev.TextDelta)
	case wire.TypeArtifactStarted:
		title := ev.Title
		if title == "" {
			title = ev.ArtifactID
		}
		p.hl = newHighlighter(ev.Language, ev.Title)
		p.partial.Reset()
		_, err = fmt.Fprintf(p.out, "\n--- artifact: %s (%s) ---\n", title, ev.ArtifactType)
	case wire.TypeArtifactContent:
		err = p.writeContent(ev.ContentDelta)
	case wire.TypeArtifactCompleted:
		if p.hl != nil && p.partial.Len() > 0 {
			_, err = io.WriteString(p.out, p.hl.HighlightLine(p.partial.String()))
		}
		p.hl = nil
		p.partial.Reset()
		if err == nil {
			_, err = io.WriteString(p.out, "\n--- end artifact ---\n")
		}
	case wire.TypeToolExecuting:
		_, err = fmt.Fprintf(p.status, "\n[tool] %s %s\n", ev.ToolName, ev.Arguments)
	case wire.TypeToolCompleted:
		_, err = fmt.Fprintf(p.status, "[tool] %s done (%.0fms)\n", ev.ToolName, ev.ExecutionMs)
	case wire.TypeToolError:
		_, err = fmt.Fprintf(p.status, "[tool] %s failed: %s\n", ev.ToolName, ev.Error)
	case wire.TypeToolClient:
		_, err = fmt.Fprintf(p.status, "\n[client tool] %s id=%s %s\n", ev.ToolName, ev.ToolID, ev.Arguments)
	case wire.TypeCompletion:
		_, err = io.WriteString(p.out, "\n")
	case wire.TypeError:
		_, err = fmt.Fprintf(p.status, "\nerror: %s\n", ev.Error)
	}
	return err
}
