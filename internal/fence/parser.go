// Package fence splits a streamed markdown reply into prose and fenced code
// deltas as fragments arrive, regardless of where fragment boundaries fall.
package fence

import (
	"strings"

	"chatrelay/internal/models"
)

const marker = "```"

// Parser is the per-stream fence state machine. It is not safe for
// concurrent use; each streaming call owns exactly one Parser.
type Parser struct {
	inCode        bool
	expectingLang bool
	pendingLang   string
	// carry holds up to two trailing backticks that may be the start of a
	// marker completed by the next fragment.
	carry string
}

// NewParser returns a parser positioned outside any code block.
func NewParser() *Parser {
	return &Parser{}
}

// InCode reports whether the parser is currently inside a code block.
func (p *Parser) InCode() bool {
	return p.inCode
}

// Process consumes one fragment and returns the deltas it completes, in order.
func (p *Parser) Process(fragment string) []models.StreamDelta {
	var out []models.StreamDelta

	remaining := p.carry + fragment
	p.carry = ""

	for remaining != "" {
		switch {
		case p.expectingLang:
			idx := strings.IndexByte(remaining, '\n')
			if idx < 0 {
				p.pendingLang += remaining
				return out
			}
			raw := p.pendingLang + remaining[:idx]
			p.pendingLang = ""
			p.expectingLang = false
			p.inCode = true
			out = append(out, models.CodeStart(strings.TrimSpace(raw), raw))
			// The code body starts at the newline that ended the language line.
			remaining = remaining[idx:]

		case p.inCode:
			idx := strings.Index(remaining, marker)
			if idx < 0 {
				body, held := splitTrailingTicks(remaining)
				if body != "" {
					out = append(out, models.CodeDelta(body))
				}
				p.carry = held
				return out
			}
			if idx > 0 {
				out = append(out, models.CodeDelta(remaining[:idx]))
			}
			out = append(out, models.CodeEnd())
			p.inCode = false
			remaining = remaining[idx+len(marker):]

		default:
			idx := strings.Index(remaining, marker)
			if idx < 0 {
				text, held := splitTrailingTicks(remaining)
				if text != "" {
					out = append(out, models.TextDelta(text))
				}
				p.carry = held
				return out
			}
			if idx > 0 {
				out = append(out, models.TextDelta(remaining[:idx]))
			}
			p.expectingLang = true
			remaining = remaining[idx+len(marker):]
		}
	}

	return out
}

// Flush ends the stream. An opening fence whose language line never
// completed is returned as literal text; an open code block is closed.
func (p *Parser) Flush() []models.StreamDelta {
	var out []models.StreamDelta

	if p.carry != "" {
		if p.inCode {
			out = append(out, models.CodeDelta(p.carry))
		} else {
			out = append(out, models.TextDelta(p.carry))
		}
		p.carry = ""
	}

	switch {
	case p.expectingLang:
		out = append(out, models.TextDelta(marker+p.pendingLang))
		p.expectingLang = false
		p.pendingLang = ""
	case p.inCode:
		out = append(out, models.CodeEnd())
		p.inCode = false
	}

	return out
}

func splitTrailingTicks(s string) (body, held string) {
	n := 0
	for n < len(marker)-1 && n < len(s) && s[len(s)-1-n] == '`' {
		n++
	}
	return s[:len(s)-n], s[len(s)-n:]
}

// Reconstruct rebuilds the raw text a sequence of text and code deltas was
// parsed from. Voice chunks are ignored.
func Reconstruct(deltas []models.StreamDelta) string {
	var b strings.Builder
	for _, d := range deltas {
		switch d.Kind {
		case models.DeltaText, models.DeltaCodeDelta:
			b.WriteString(d.Text)
		case models.DeltaCodeStart:
			b.WriteString(marker)
			b.WriteString(d.RawLang)
		case models.DeltaCodeEnd:
			b.WriteString(marker)
		}
	}
	return b.String()
}

// Coalesce merges adjacent text deltas and adjacent code deltas.
func Coalesce(deltas []models.StreamDelta) []models.StreamDelta {
	out := make([]models.StreamDelta, 0, len(deltas))
	for _, d := range deltas {
		if n := len(out); n > 0 && d.Kind == out[n-1].Kind &&
			(d.Kind == models.DeltaText || d.Kind == models.DeltaCodeDelta) {
			out[n-1].Text += d.Text
			continue
		}
		out = append(out, d)
	}
	return out
}

// Parse runs a complete text through a fresh parser and returns the
// coalesced blocks.
func Parse(text string) []models.StreamDelta {
	p := NewParser()
	deltas := p.Process(text)
	deltas = append(deltas, p.Flush()...)
	return Coalesce(deltas)
}
