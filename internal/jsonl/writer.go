package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Writer appends newline-delimited JSON records to a file. A nil *Writer
// discards everything, so callers never need to check whether event logging
// is enabled.
//
// It is safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
	now  func() time.Time
}

// New returns a writer appending to path, or nil for a blank path.
func New(path string) *Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Writer{path: path, now: time.Now}
}

func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

func (w *Writer) ensureOpenLocked() error {
	if w.file != nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.file = f
	w.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Emit writes {"ts_ms":..., "event": event, "data": data}.
func (w *Writer) Emit(event string, data any) error {
	if w == nil {
		return nil
	}
	if strings.TrimSpace(event) == "" {
		return fmt.Errorf("jsonl: empty event name")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rec := struct {
		TsMs  int64  `json:"ts_ms"`
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{TsMs: w.now().UnixMilli(), Event: event, Data: data}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return w.appendLocked(b)
}

func (w *Writer) appendLocked(b []byte) error {
	if err := w.ensureOpenLocked(); err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close flushes any buffered data and closes the underlying file.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if w.w != nil {
		if err := w.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.w = nil
	w.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}
