// Package convlog is the append-only JSONL event log of conversations.
//
// The log is the system of record for offline rescoring: every tool that
// rescores, verifies or submits reads conversation_summary records from it.
package convlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TimeFormat is the timestamp layout of the ts field.
const TimeFormat = "2006-01-02T15:04:05Z"

// Event is the discriminator stored in the event field.
type Event string

const (
	EventStart            Event = "start"
	EventInteract         Event = "interact"
	EventLockedPrediction Event = "locked_prediction"
	EventPredictionUpdate Event = "prediction_update"
	EventSummary          Event = "conversation_summary"
)

// Fields are the payload of one log record besides event and ts.
type Fields map[string]any

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("convlog: writer closed")

// Writer serializes records from any number of goroutines onto one file.
// A single goroutine owns the file; producers hand it encoded lines over a
// channel, so lines never interleave.
type Writer struct {
	out  io.Writer
	file *os.File

	lines chan []byte
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	err    error

	now func() time.Time
}

// Open appends to the log at path, creating it and its directory as needed.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	w := NewWriter(f)
	w.file = f
	return w, nil
}

// NewWriter logs to out. Close does not close out.
func NewWriter(out io.Writer) *Writer {
	w := &Writer{
		out:   out,
		lines: make(chan []byte, 64),
		done:  make(chan struct{}),
		now:   func() time.Time { return time.Now().UTC() },
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for line := range w.lines {
		if _, err := w.out.Write(line); err != nil {
			slog.Error("write conversation log", "error", err)
			if w.err == nil {
				w.err = err
			}
		}
	}
}

// Timestamp formats the writer's current time as a ts value.
func (w *Writer) Timestamp() string {
	return w.now().Format(TimeFormat)
}

// Log appends one record. ts is filled in unless fields already carries it.
func (w *Writer) Log(event Event, fields Fields) error {
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["event"] = event
	if _, ok := rec["ts"]; !ok {
		rec["ts"] = w.Timestamp()
	}
	return w.write(rec)
}

// LogSummary appends a conversation_summary record.
func (w *Writer) LogSummary(s Summary) error {
	s.Event = EventSummary
	if s.TS == "" {
		s.TS = w.Timestamp()
	}
	return w.write(s)
}

func (w *Writer) write(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode log record: %w", err)
	}
	line = append(line, '\n')

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrClosed
	}
	w.lines <- line
	return nil
}

// Close flushes pending records and closes the file opened by Open.
// It returns the first write error, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.lines)
	w.mu.Unlock()

	<-w.done
	err := w.err
	if w.file != nil {
		if serr := w.file.Sync(); serr != nil && err == nil {
			err = serr
		}
		if cerr := w.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
