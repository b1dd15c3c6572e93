package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// highlighter colors artifact bodies for terminal output.
type highlighter struct {
	lexer chroma.Lexer
	style *chroma.Style
}

// newHighlighter picks a lexer from the artifact language, falling back to
// the title when it looks like a file name. Returns nil if neither is known.
func newHighlighter(language, title string) *highlighter {
	var lexer chroma.Lexer
	if language != "" {
		lexer = lexers.Get(language)
	}
	if lexer == nil && title != "" {
		lexer = lexers.Match(title)
	}
	if lexer == nil {
		return nil
	}

	style := styles.Get("monokai")
	if style == nil {
		style = styles.Fallback
	}
	return &highlighter{lexer: chroma.Coalesce(lexer), style: style}
}

// HighlightLine returns line with ANSI foreground colors. Lines are lexed
// one at a time, so multi-line constructs are colored per line.
func (h *highlighter) HighlightLine(line string) string {
	if h == nil {
		return line
	}
	iterator, err := h.lexer.Tokenise(nil, line)
	if err != nil {
		return line
	}
	var buf strings.Builder
	if err := formatANSI(&buf, h.style, iterator); err != nil {
		return line
	}
	return buf.String()
}

func formatANSI(w io.Writer, style *chroma.Style, iterator chroma.Iterator) error {
	for token := iterator(); token != chroma.EOF; token = iterator() {
		value := strings.TrimRight(token.Value, "\n")
		if value == "" {
			continue
		}

		entry := style.Get(token.Type)
		var codes []string
		if entry.Colour.IsSet() {
			codes = append(codes, fmt.Sprintf("38;2;%d;%d;%d", entry.Colour.Red(), entry.Colour.Green(), entry.Colour.Blue()))
		}
		if entry.Bold == chroma.Yes {
			codes = append(codes, "1")
		}
		if entry.Italic == chroma.Yes {
			codes = append(codes, "3")
		}

		var err error
		if len(codes) > 0 {
			_, err = fmt.Fprintf(w, "\x1b[%sm%s\x1b[0m", strings.Join(codes, ";"), value)
		} else {
			_, err = io.WriteString(w, value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
