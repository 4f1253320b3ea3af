// Package metrics defines the per-request outcome record and the sinks
// it is appended to.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Record is the outcome of one chat request. One record is emitted per
// request regardless of how it terminated.
type Record struct {
	Timestamp        time.Time `json:"timestamp"`
	RequestID        string    `json:"request_id"`
	Model            string    `json:"model"`
	UserQuestion     string    `json:"user_question"`
	DurationSeconds  float64   `json:"duration_seconds"`
	InvokedTools     []string  `json:"invoked_tools"`
	InvokedProviders []string  `json:"invoked_providers"`
	Status           string    `json:"status"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ToolErrors       []string  `json:"tool_errors"`
}

// Sink receives one Record per completed request.
type Sink interface {
	Emit(ctx context.Context, record Record) error
}

// JSONLSink appends records to a local file, one JSON object per line.
type JSONLSink struct {
	mu   sync.Mutex
	path string
}

// NewJSONLSink builds a sink writing to path.
func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

// Emit appends one record. The file is opened per write so rotation by
// an external process is safe.
func (s *JSONLSink) Emit(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding metrics record: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening metrics file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("writing metrics record: %w", err)
	}
	return nil
}

// MultiSink fans one record out to several sinks. The first error is
// returned after all sinks were attempted.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, record Record) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Emit(ctx, record); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard drops every record. Used when metrics are disabled.
type Discard struct{}

func (Discard) Emit(context.Context, Record) error { return nil }
