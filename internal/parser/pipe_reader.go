package parser

import (
	"bufio"
	"errors"
	"io"
	"os"
	"sync/atomic"
	"syscall"
)

// MaxLineSize bounds a single line. Longer lines are truncated, the rest of
// the line is read and discarded so the writer never blocks.
const MaxLineSize = 1024 * 1024

const readBufferSize = 64 * 1024

// PipeReader reads lines from an io.Reader (a process pipe or pty master).
type PipeReader struct {
	reader io.Reader
	parser LineParser
	done   chan struct{}

	// Stats (atomic for thread-safety)
	bytesRead atomic.Int64
	linesRead atomic.Int64
	truncated atomic.Int64
}

// NewPipeReader creates a reader that feeds p. A nil parser discards lines.
func NewPipeReader(r io.Reader, p LineParser) *PipeReader {
	if p == nil {
		p = NoopParser{}
	}
	return &PipeReader{
		reader: r,
		parser: p,
		done:   make(chan struct{}),
	}
}

// Run reads until the stream closes. A closed stream is the normal way for
// Run to finish and yields a nil error. Run must be called at most once.
func (p *PipeReader) Run() error {
	defer close(p.done)

	br := bufio.NewReaderSize(p.reader, readBufferSize)
	var line []byte
	overflow := false

	for {
		frag, isPrefix, err := br.ReadLine()
		if len(frag) > 0 {
			p.bytesRead.Add(int64(len(frag)))
			if room := MaxLineSize - len(line); room > 0 {
				if len(frag) > room {
					frag = frag[:room]
					overflow = true
				}
				line = append(line, frag...)
			} else {
				overflow = true
			}
		}
		if err != nil {
			// Flush a final line with no trailing newline.
			if len(line) > 0 {
				p.emit(line, overflow)
			}
			if isStreamClosed(err) {
				return nil
			}
			return err
		}
		if isPrefix {
			continue
		}

		p.bytesRead.Add(1) // newline
		p.emit(line, overflow)
		line = line[:0]
		overflow = false
	}
}

func (p *PipeReader) emit(line []byte, overflow bool) {
	if overflow {
		p.truncated.Add(1)
	}
	p.linesRead.Add(1)
	p.parser.ParseLine(string(line))
}

// Done is closed once Run has returned.
func (p *PipeReader) Done() <-chan struct{} {
	return p.done
}

// Stats returns (bytesRead, linesRead, truncatedLines).
func (p *PipeReader) Stats() (bytesRead, linesRead, truncated int64) {
	return p.bytesRead.Load(), p.linesRead.Load(), p.truncated.Load()
}

// isStreamClosed reports whether err means the writer side went away.
// A pty master returns EIO once the child has exited.
func isStreamClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.EIO)
}
