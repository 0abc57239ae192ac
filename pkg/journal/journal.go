// Package journal provides a JSONL audit trail of lifecycle transitions.
//
// Every run edge and task step the scheduler applies can be appended as a
// self-contained JSON line, so what happened to a job is reconstructable
// even after the run document has been rewritten many times.
package journal

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// Record type constants define the envelope types for JSONL output.
const (
	// TypeRun identifies run transition records.
	TypeRun = "htgrid.run.v1"

	// TypeTask identifies task step records.
	TypeTask = "htgrid.task.v1"
)

// Record is the envelope for all journal lines. The Data field carries
// the type-specific payload as raw JSON.
type Record struct {
	Type string          `json:"type"`
	TS   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

// RunRecord is the payload for a run transition.
type RunRecord struct {
	RunID string `json:"run_id"`
	From  string `json:"from"`
	To    string `json:"to"`
	// Error carries the failure message when To is a failure state.
	Error string `json:"error,omitempty"`
}

// TaskRecord is the payload for a task step.
type TaskRecord struct {
	TaskID     string `json:"task_id"`
	Workflow   string `json:"workflow"`
	FromState  string `json:"from_state"`
	ToState    string `json:"to_state"`
	Transition string `json:"transition"`
	Error      string `json:"error,omitempty"`
}

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("journal: writer closed")

// Writer records lifecycle transitions. Implementations must be safe for
// concurrent use.
type Writer interface {
	WriteRun(rec *RunRecord) error
	WriteTask(rec *TaskRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized by a mutex so lines never interleave.
type JSONLWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool

	// now is swapped out in tests for stable timestamps.
	now func() time.Time
}

// NewJSONLWriter wraps w. The caller keeps ownership of w; Close does not
// close it.
func NewJSONLWriter(w io.Writer) *JSONLWriter {
	return &JSONLWriter{w: w, now: time.Now}
}

func (jw *JSONLWriter) WriteRun(rec *RunRecord) error {
	return jw.writeRecord(TypeRun, rec)
}

func (jw *JSONLWriter) WriteTask(rec *TaskRecord) error {
	return jw.writeRecord(TypeTask, rec)
}

func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(recordType string, data any) error {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type: recordType,
		TS:   jw.now().UTC(),
		Data: dataBytes,
	})
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = jw.w.Write(line)
	return err
}

// Nop discards every record. Used when no journal is configured.
type Nop struct{}

func (Nop) WriteRun(*RunRecord) error   { return nil }
func (Nop) WriteTask(*TaskRecord) error { return nil }
func (Nop) Close() error                { return nil }
