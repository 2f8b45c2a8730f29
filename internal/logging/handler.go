package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	// MaxLineLength is the longest forwarded line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept per process.
	MaxBufferedLines = 100
)

// OutputHandler receives every line a supervised process prints.
//
// Every line is kept in a ring buffer (for the exit report) and, when a tee
// is attached, appended to the process's raw log. Only lines the caller
// decides to forward reach the structured logger.
type OutputHandler struct {
	label  string
	logger *slog.Logger

	mu     sync.Mutex
	tee    io.Writer
	buffer []string
	bufIdx int
	count  int64
	teeErr error
}

// NewOutputHandler creates a handler for the process identified by label.
func NewOutputHandler(label string, logger *slog.Logger) *OutputHandler {
	if logger == nil {
		logger = Discard()
	}
	return &OutputHandler{
		label:  label,
		logger: logger,
		buffer: make([]string, MaxBufferedLines),
	}
}

// SetTee attaches a writer that receives every raw line.
func (h *OutputHandler) SetTee(w io.Writer) {
	h.mu.Lock()
	h.tee = w
	h.mu.Unlock()
}

// Record stores a line. It is called for every line, forwarded or not.
func (h *OutputHandler) Record(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.buffer[h.bufIdx] = line
	h.bufIdx = (h.bufIdx + 1) % MaxBufferedLines
	h.count++

	if h.tee != nil && h.teeErr == nil {
		if _, err := io.WriteString(h.tee, line+"\n"); err != nil {
			// One warning, then stop writing to a broken log file.
			h.teeErr = err
			h.logger.Warn("process_log_write_failed", "label", h.label, "error", err)
		}
	}
}

// Forward logs a noteworthy line.
func (h *OutputHandler) Forward(line string) {
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}
	h.logger.Info("process_output", "label", h.label, "line", line)
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (h *OutputHandler) RecentLines(n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}
	if int64(n) > h.count {
		n = int(h.count)
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (h.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		lines = append(lines, h.buffer[idx])
	}
	return lines
}

// LineCount returns the number of lines recorded.
func (h *OutputHandler) LineCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Label returns the process label.
func (h *OutputHandler) Label() string {
	return h.label
}

// OpenProcessLog creates (truncating) <dir>/<label>.log for raw output.
func OpenProcessLog(dir, label string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, label+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open process log: %w", err)
	}
	return f, nil
}
