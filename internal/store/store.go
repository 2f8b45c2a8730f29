// Package store persists fetched batches as a single JSON document mapping
// batch numbers to their payloads.
//
// The document has the shape {"1": <payload>, "2": <payload>, ...}. It is
// loaded once at startup and rewritten atomically after every append.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/randomizedcoder/go-validium-demo/internal/logging"
)

var (
	// ErrStoreCorrupt is reported (and recovered from) when the persisted
	// document cannot be decoded.
	ErrStoreCorrupt = errors.New("store document is corrupt")

	// ErrOutOfOrder is returned when an append would leave a gap or
	// overwrite an existing batch.
	ErrOutOfOrder = errors.New("batch appended out of order")
)

// Store is the in-memory view of the batch document. It has a single writer
// (the fetch loop); readers may call it concurrently.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	batches map[int64]json.RawMessage
	highest int64

	// SaveHook, when set, observes the duration of every successful save.
	SaveHook func(time.Duration)
}

// Open loads the document at path. A missing file yields an empty store. A
// malformed file also yields an empty store: it is renamed aside to
// <path>.corrupt-<unix> and a warning is logged.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Store{
		path:    path,
		logger:  logger,
		batches: make(map[int64]json.RawMessage),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("store_created", "path", path)
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read store: %w", err)
	}

	batches, err := decode(data)
	if err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			logger.Warn("store_corrupt",
				"path", path,
				"error", err,
				"rename_error", renameErr,
			)
		} else {
			logger.Warn("store_corrupt",
				"path", path,
				"error", err,
				"moved_to", aside,
			)
		}
		return s, nil
	}

	s.batches = batches
	for n := range batches {
		if n > s.highest {
			s.highest = n
		}
	}
	if int64(len(batches)) != s.highest {
		logger.Warn("store_has_gaps",
			"path", path,
			"batches", len(batches),
			"highest", s.highest,
		)
	}

	logger.Info("store_loaded",
		"path", path,
		"batches", len(batches),
		"next", s.highest+1,
	)
	return s, nil
}

// decode parses the document. Keys must be positive integers.
func decode(data []byte) (map[int64]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrStoreCorrupt)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreCorrupt, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: document is not an object", ErrStoreCorrupt)
	}

	out := make(map[int64]json.RawMessage, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(k, 10, 64)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("%w: invalid batch key %q", ErrStoreCorrupt, k)
		}
		out[n] = v
	}
	return out, nil
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Next returns the batch number to fetch next: highest + 1, or 1 when empty.
func (s *Store) Next() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highest + 1
}

// Highest returns the highest stored batch number, or 0 when empty.
func (s *Store) Highest() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highest
}

// Len returns the number of stored batches.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

// Get returns the payload for batch n.
func (s *Store) Get(n int64) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.batches[n]
	return p, ok
}

// Keys returns the stored batch numbers in ascending order.
func (s *Store) Keys() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]int64, 0, len(s.batches))
	for n := range s.batches {
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Snapshot returns a copy of the stored batches.
func (s *Store) Snapshot() map[int64]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]json.RawMessage, len(s.batches))
	for n, p := range s.batches {
		out[n] = p
	}
	return out
}

// Append adds batch n and persists the document before returning. n must be
// Next(). If the save fails the batch is removed again, so memory never runs
// ahead of disk.
func (s *Store) Append(n int64, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return fmt.Errorf("batch %d: payload is not valid JSON", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n != s.highest+1 {
		return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, n, s.highest+1)
	}

	prevHighest := s.highest
	s.batches[n] = append(json.RawMessage(nil), payload...)
	s.highest = n

	if err := s.saveLocked(); err != nil {
		delete(s.batches, n)
		s.highest = prevHighest
		return err
	}
	return nil
}

// Save rewrites the document from memory.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	start := time.Now()

	// Keys are written in ascending numeric order for readable diffs.
	keys := make([]int64, 0, len(s.batches))
	for n := range s.batches {
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, n := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString("\n  ")
		buf.WriteString(strconv.Quote(strconv.FormatInt(n, 10)))
		buf.WriteString(": ")
		buf.Write(compact(s.batches[n]))
	}
	if len(keys) > 0 {
		buf.WriteByte('\n')
	}
	buf.WriteString("}\n")

	if err := WriteFileAtomic(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("save store: %w", err)
	}

	if s.SaveHook != nil {
		s.SaveHook(time.Since(start))
	}
	return nil
}

func compact(p json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return p
	}
	return buf.Bytes()
}

// WriteFileAtomic writes data to a temp file beside path, syncs it, renames
// it over path and syncs the directory. Readers see the old or the new
// document, never a partial one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// CheckWritable verifies that the document's directory can be created and
// written, without touching the document itself.
func CheckWritable(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".write-check-*")
	if err != nil {
		return fmt.Errorf("store directory %s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("store path %s is a directory", path)
	}
	return nil
}
