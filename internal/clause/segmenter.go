// Package clause cuts streamed prose into sentence-like units for speech
// synthesis.
package clause

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Clause is one complete unit. ID increases by one per emitted clause,
// starting at 1, and is stable for the lifetime of the Segmenter.
type Clause struct {
	ID   int
	Text string
}

// Segmenter buffers incoming text and releases clauses as soon as their
// boundary is seen. One Segmenter belongs to one stream.
type Segmenter struct {
	pending strings.Builder
	count   int
}

// NewSegmenter returns an empty segmenter.
func NewSegmenter() *Segmenter {
	return &Segmenter{}
}

// Feed appends text and returns every clause completed by it, in order.
// Text after the last boundary stays buffered for the next call.
func (s *Segmenter) Feed(text string) []Clause {
	if text == "" {
		return nil
	}
	s.pending.WriteString(text)

	buf := s.pending.String()
	var out []Clause
	for {
		idx := boundary(buf)
		if idx < 0 {
			break
		}
		if c, ok := s.next(buf[:idx+1]); ok {
			out = append(out, c)
		}
		buf = buf[idx+1:]
	}

	s.pending.Reset()
	s.pending.WriteString(buf)
	return out
}

// Flush returns the buffered remainder as a final clause, if it has any
// non-space content, and empties the buffer.
func (s *Segmenter) Flush() (Clause, bool) {
	rest := s.pending.String()
	s.pending.Reset()
	return s.next(rest)
}

// Count returns the number of clauses emitted so far.
func (s *Segmenter) Count() int {
	return s.count
}

func (s *Segmenter) next(candidate string) (Clause, bool) {
	text := strings.TrimSpace(candidate)
	if text == "" {
		return Clause{}, false
	}
	s.count++
	return Clause{ID: s.count, Text: text}, true
}

// boundary returns the byte index of the first clause-ending character in
// buf, or -1. Line breaks always end a clause; . ! ? ; : end one only when
// followed by whitespace or by the end of buf.
func boundary(buf string) int {
	for i := 0; i < len(buf); i++ {
		switch buf[i] {
		case '\n', '\r':
			return i
		case '.', '!', '?', ';', ':':
			if i == len(buf)-1 {
				return i
			}
			r, _ := utf8.DecodeRuneInString(buf[i+1:])
			if unicode.IsSpace(r) {
				return i
			}
		}
	}
	return -1
}
