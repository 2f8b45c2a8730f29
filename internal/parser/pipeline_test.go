package parser

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

// slowParser simulates a parser that is slower than the writer.
type slowParser struct {
	delay time.Duration
	lines []string
	mu    sync.Mutex
}

func (p *slowParser) ParseLine(line string) {
	time.Sleep(p.delay)
	p.mu.Lock()
	p.lines = append(p.lines, line)
	p.mu.Unlock()
}

func (p *slowParser) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]string, len(p.lines))
	copy(result, p.lines)
	return result
}

// =============================================================================
// PipeReader: lossless, ordered delivery
// =============================================================================

func TestPipeReader_NoDropsWithSlowParser(t *testing.T) {
	p := &slowParser{delay: time.Millisecond}
	var input strings.Builder
	for i := 0; i < 100; i++ {
		input.WriteString("line\n")
	}

	r := NewPipeReader(strings.NewReader(input.String()), p)
	if err := r.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	_, lines, _ := r.Stats()
	if lines != 100 {
		t.Errorf("linesRead = %d, want 100", lines)
	}
	if got := len(p.Lines()); got != 100 {
		t.Errorf("parsed = %d, want 100", got)
	}
}

func TestPipeReader_PreservesOrder(t *testing.T) {
	var got []string
	r := NewPipeReader(strings.NewReader("a\nb\r\nc\n\nd"), LineParserFunc(func(l string) {
		got = append(got, l)
	}))
	if err := r.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"a", "b", "c", "", "d"}
	if len(got) != len(want) {
		t.Fatalf("lines = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPipeReader_TruncatesLongLines(t *testing.T) {
	long := strings.Repeat("x", MaxLineSize+500)
	var got []string
	r := NewPipeReader(strings.NewReader(long+"\nshort\n"), LineParserFunc(func(l string) {
		got = append(got, l)
	}))
	if err := r.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if len(got[0]) != MaxLineSize {
		t.Errorf("first line len = %d, want %d", len(got[0]), MaxLineSize)
	}
	if got[1] != "short" {
		t.Errorf("second line = %q, want %q", got[1], "short")
	}
	if _, _, truncated := r.Stats(); truncated != 1 {
		t.Errorf("truncated = %d, want 1", truncated)
	}
}

func TestPipeReader_ClosedPipeIsNotAnError(t *testing.T) {
	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	r := NewPipeReader(pr, nil)
	go func() {
		io.WriteString(pw, "one\ntwo\n")
		pw.Close()
	}()

	if err := r.Run(); err != nil {
		t.Errorf("Run() error = %v, want nil on writer close", err)
	}
	pr.Close()

	select {
	case <-r.Done():
	default:
		t.Error("Done() not closed after Run returned")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestPipeReader_PropagatesReadErrors(t *testing.T) {
	r := NewPipeReader(failingReader{}, nil)
	if err := r.Run(); err == nil || err.Error() != "boom" {
		t.Errorf("Run() error = %v, want boom", err)
	}
}

// =============================================================================
// Parser adapters
// =============================================================================

func TestMultiParser(t *testing.T) {
	var a, b []string
	m := MultiParser{
		LineParserFunc(func(l string) { a = append(a, l) }),
		NoopParser{},
		LineParserFunc(func(l string) { b = append(b, l) }),
	}
	m.ParseLine("x")
	m.ParseLine("y")

	if len(a) != 2 || len(b) != 2 || a[1] != "y" || b[0] != "x" {
		t.Errorf("fan-out mismatch: a=%v b=%v", a, b)
	}
}
