package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestJSONLSinkAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	sink := NewJSONLSink(path)

	for i, status := range []string{"success", "error"} {
		record := Record{
			Timestamp:        time.Date(2026, 1, 5, 9, 0, i, 0, time.UTC),
			RequestID:        "20260105-090000-deadbeef",
			Model:            "test-model",
			UserQuestion:     "schedule standup",
			DurationSeconds:  1.234,
			InvokedTools:     []string{"add_event"},
			InvokedProviders: []string{"calendar"},
			Status:           status,
			ToolErrors:       []string{},
		}
		if err := sink.Emit(context.Background(), record); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
		var decoded Record
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines, err)
		}
		if decoded.RequestID != "20260105-090000-deadbeef" {
			t.Fatalf("request id = %q", decoded.RequestID)
		}
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}

type failingSink struct{ err error }

func (f failingSink) Emit(context.Context, Record) error { return f.err }

type countingSink struct{ n int }

func (c *countingSink) Emit(context.Context, Record) error {
	c.n++
	return nil
}

func TestMultiSinkAttemptsAll(t *testing.T) {
	counter := &countingSink{}
	boom := errors.New("boom")
	sink := MultiSink{failingSink{err: boom}, counter}

	err := sink.Emit(context.Background(), Record{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if counter.n != 1 {
		t.Fatalf("second sink not attempted")
	}
}
