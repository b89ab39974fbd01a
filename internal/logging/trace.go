// Trace is the append-only structured event stream for session execution.
// Each session step, sub-query, and hypothesis revision is written as one
// JSON line. The stream is write-only: nothing in rlm reads it back.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// TraceEventType identifies the kind of trace event.
type TraceEventType string

const (
	TraceSessionStart     TraceEventType = "session_start"
	TraceSessionEnd       TraceEventType = "session_end"
	TraceStepStart        TraceEventType = "step_start"
	TraceStepEnd          TraceEventType = "step_end"
	TraceSubQuery         TraceEventType = "subquery"
	TraceHypothesisUpdate TraceEventType = "hypothesis_update"
)

// TraceEvent is one entry in the execution trace.
type TraceEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  TraceEventType `json:"event"`
	SessionID  string         `json:"session"`
	Step       int            `json:"step,omitempty"`
	Target     string         `json:"target,omitempty"` // slice id for sub-queries
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"msg,omitempty"`
}

// TraceWriter appends TraceEvents to a JSONL file.
// A nil *TraceWriter is valid and discards all events.
type TraceWriter struct {
	mu   sync.Mutex
	file *os.File
}

// NewTraceWriter opens (or creates) the trace file in append mode.
func NewTraceWriter(path string) (*TraceWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &TraceWriter{file: file}, nil
}

// Emit writes one event. Timestamp is filled in if unset.
// Emit never fails the caller: a write error is reported to stderr once.
func (w *TraceWriter) Emit(event TraceEvent) {
	if w == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "[trace] write failed: %v\n", err)
		w.file.Close()
		w.file = nil
	}
}

// Close closes the underlying file.
func (w *TraceWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
