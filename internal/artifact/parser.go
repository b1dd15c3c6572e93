// Package artifact extracts <artifact ...>...</artifact> blocks from a text
// stream that arrives in arbitrarily split fragments.
package artifact

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	openMarker  = "<artifact"
	closeMarker = "</artifact>"

	DefaultType  = "code"
	DefaultTitle = "Untitled"
)

// Kind identifies a parser event.
type Kind string

const (
	KindText      Kind = "text"
	KindStarted   Kind = "artifact_started"
	KindContent   Kind = "artifact_content"
	KindCompleted Kind = "artifact_completed"
)

// Event is one unit of parser output.
//
// Text is set for KindText. ID and Type are set for every artifact event,
// Title and Language for Started and Completed. Delta carries the new
// content of a KindContent event and Content the full body on KindCompleted.
type Event struct {
	Kind     Kind
	Text     string
	ID       string
	Type     string
	Title    string
	Language string
	Delta    string
	Content  string
}

// attrPattern matches key="value" and key='value' pairs in an opening tag.
var attrPattern = regexp.MustCompile(`([A-Za-z_][\w-]*)\s*=\s*(?:"([^"]*)"|'([^']*)')`)

// Parser is an incremental artifact scanner. It is not safe for concurrent
// use; one parser belongs to one stream.
type Parser struct {
	buf        string
	inArtifact bool
	seq        int

	current Event
	content strings.Builder
}

// NewParser returns a parser in the normal (text) state.
func NewParser() *Parser {
	return &Parser{}
}

// InArtifact reports whether the parser is inside an open artifact.
func (p *Parser) InArtifact() bool {
	return p.inArtifact
}

// Buffered returns the text retained for the next call to Feed.
func (p *Parser) Buffered() string {
	return p.buf
}

// Feed consumes one fragment and returns the events it completes. Text that
// might be the start of a marker is retained until a later fragment decides it.
func (p *Parser) Feed(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	p.buf += chunk

	var events []Event
	for p.buf != "" {
		var progressed bool
		if p.inArtifact {
			events, progressed = p.scanArtifact(events)
		} else {
			events, progressed = p.scanText(events)
		}
		if !progressed {
			break
		}
	}
	return events
}

// Flush ends the stream. An open artifact is completed with whatever content
// arrived; retained text in the normal state (a partial marker or an opening
// tag that never closed) is released as plain text.
func (p *Parser) Flush() []Event {
	var events []Event
	if p.inArtifact {
		if p.buf != "" {
			events = p.emitContent(events, p.buf)
		}
		events = p.emitCompleted(events)
	} else if p.buf != "" {
		events = append(events, Event{Kind: KindText, Text: p.buf})
	}
	p.buf = ""
	return events
}

// Reset discards retained text and any open artifact without emitting
// anything. The id sequence is kept so later artifacts stay unique.
func (p *Parser) Reset() {
	p.buf = ""
	p.inArtifact = false
	p.current = Event{}
	p.content.Reset()
}

func (p *Parser) scanText(events []Event) ([]Event, bool) {
	idx := strings.Index(p.buf, openMarker)
	if idx < 0 {
		keep := partialSuffix(p.buf, openMarker)
		if text := p.buf[:len(p.buf)-keep]; text != "" {
			events = append(events, Event{Kind: KindText, Text: text})
		}
		p.buf = p.buf[len(p.buf)-keep:]
		return events, false
	}

	if idx > 0 {
		events = append(events, Event{Kind: KindText, Text: p.buf[:idx]})
		p.buf = p.buf[idx:]
	}

	end := strings.IndexByte(p.buf[len(openMarker):], '>')
	if end < 0 {
		// Opening tag incomplete; wait for more input.
		return events, false
	}
	tag := p.buf[len(openMarker) : len(openMarker)+end]
	p.buf = p.buf[len(openMarker)+end+1:]

	p.start(parseAttributes(tag))
	events = append(events, Event{
		Kind:     KindStarted,
		ID:       p.current.ID,
		Type:     p.current.Type,
		Title:    p.current.Title,
		Language: p.current.Language,
	})
	return events, true
}

func (p *Parser) scanArtifact(events []Event) ([]Event, bool) {
	idx := strings.Index(p.buf, closeMarker)
	if idx < 0 {
		keep := partialSuffix(p.buf, closeMarker)
		cut := runeBoundary(p.buf, len(p.buf)-keep)
		if cut > 0 {
			events = p.emitContent(events, p.buf[:cut])
			p.buf = p.buf[cut:]
		}
		return events, false
	}

	if idx > 0 {
		events = p.emitContent(events, p.buf[:idx])
	}
	p.buf = p.buf[idx+len(closeMarker):]
	return p.emitCompleted(events), true
}

func (p *Parser) start(attrs map[string]string) {
	p.seq++
	id := attrs["id"]
	if id == "" {
		id = fmt.Sprintf("art_%d", p.seq)
	}
	typ := attrs["type"]
	if typ == "" {
		typ = DefaultType
	}
	title := attrs["title"]
	if title == "" {
		title = DefaultTitle
	}
	p.current = Event{ID: id, Type: typ, Title: title, Language: attrs["language"]}
	p.content.Reset()
	p.inArtifact = true
}

func (p *Parser) emitContent(events []Event, delta string) []Event {
	p.content.WriteString(delta)
	return append(events, Event{
		Kind:  KindContent,
		ID:    p.current.ID,
		Type:  p.current.Type,
		Delta: delta,
	})
}

func (p *Parser) emitCompleted(events []Event) []Event {
	events = append(events, Event{
		Kind:     KindCompleted,
		ID:       p.current.ID,
		Type:     p.current.Type,
		Title:    p.current.Title,
		Language: p.current.Language,
		Content:  p.content.String(),
	})
	p.inArtifact = false
	p.current = Event{}
	p.content.Reset()
	return events
}

// partialSuffix returns the length of the longest proper prefix of marker
// that s ends with.
func partialSuffix(s, marker string) int {
	n := len(marker) - 1
	if len(s) < n {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}

// runeBoundary moves cut back so that s[:cut] does not end in the middle of
// a multi-byte rune.
func runeBoundary(s string, cut int) int {
	start := cut
	for start > 0 && cut-start < utf8.UTFMax && !utf8.RuneStart(s[start-1]) {
		start--
	}
	if start == 0 {
		return cut
	}
	start--
	if utf8.FullRuneInString(s[start:cut]) {
		return cut
	}
	return start
}

// parseAttributes extracts quoted attributes from the inside of an opening
// tag. Values are taken literally; no entity decoding is done.
func parseAttributes(tag string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(tag, -1) {
		key := strings.ToLower(m[1])
		if _, seen := attrs[key]; seen {
			continue
		}
		if m[2] != "" {
			attrs[key] = m[2]
		} else {
			attrs[key] = m[3]
		}
	}
	return attrs
}
