// Package parser reads the merged output stream of a child process line by
// line and hands each line to a LineParser.
//
// Every stream has exactly one reader. Lines are delivered synchronously and
// in order; nothing is dropped, because a dropped line could be the one that
// carries the readiness marker. A slow parser therefore applies backpressure
// to the child through the pipe, which is acceptable for a handful of
// supervised processes.
package parser

// LineParser consumes lines one at a time, in stream order.
type LineParser interface {
	ParseLine(line string)
}

// LineParserFunc adapts a function to LineParser.
type LineParserFunc func(line string)

// ParseLine calls f(line).
func (f LineParserFunc) ParseLine(line string) { f(line) }

// MultiParser fans one line out to several parsers in order.
type MultiParser []LineParser

// ParseLine passes line to every parser.
func (m MultiParser) ParseLine(line string) {
	for _, p := range m {
		p.ParseLine(line)
	}
}

// NoopParser is a parser that does nothing (for testing/placeholder use).
type NoopParser struct{}

// ParseLine does nothing.
func (NoopParser) ParseLine(string) {}
