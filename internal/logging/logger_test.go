// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"gopkg.in/natefinch/lumberjack.v2"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("Output is not valid JSON: %v (%q)", err, line)
		}
		entries = append(entries, entry)
	}
	return entries
}

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if first.out != &buf1 {
		t.Error("Init() did not set output writer correctly")
	}
}

// TestParseLevel verifies config strings map to levels.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{" WARN ", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestLogger_filtering verifies entries below the minimum level are dropped.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", io.EOF)

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("levels = %s,%s, want WARN,ERROR", entries[0].Level, entries[1].Level)
	}
	if entries[1].Error != io.EOF.Error() {
		t.Errorf("Error = %q, want %q", entries[1].Error, io.EOF.Error())
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("replay failed", "REMOTE_REJECTED", io.ErrUnexpectedEOF, map[string]interface{}{"entry_id": 3})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].Context["error_code"] != "REMOTE_REJECTED" {
		t.Errorf("error_code = %v, want REMOTE_REJECTED", entries[0].Context["error_code"])
	}
	if entries[0].Context["entry_id"] != float64(3) {
		t.Errorf("entry_id = %v, want 3", entries[0].Context["entry_id"])
	}
}

// TestLogger_With verifies child loggers carry their fields.
func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, LevelDebug)
	child := parent.Component("downstream").With(map[string]interface{}{"tenant_id": "t1"})

	child.Info("synced", map[string]interface{}{"table": "machines"})
	parent.Info("plain")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	ctx := entries[0].Context
	if ctx["component"] != "downstream" || ctx["tenant_id"] != "t1" || ctx["table"] != "machines" {
		t.Errorf("child context = %v", ctx)
	}
	if entries[1].Context != nil {
		t.Errorf("parent context = %v, want nil", entries[1].Context)
	}
}

// TestLogger_concurrentLogging verifies lines are not interleaved.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)
	child := logger.Component("queue")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			logger.Info("parent", map[string]interface{}{"i": i})
		}(i)
		go func(i int) {
			defer wg.Done()
			child.Info("child", map[string]interface{}{"i": i})
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 40 {
		t.Errorf("entries = %d, want 40", got)
	}
}

// TestOutput verifies the writer selection.
func TestOutput(t *testing.T) {
	if _, ok := Output(FileOptions{}).(*lumberjack.Logger); ok {
		t.Error("empty path should not produce a rotating file")
	}

	path := filepath.Join(t.TempDir(), "dino.log")
	w, ok := Output(FileOptions{Path: path}).(*lumberjack.Logger)
	if !ok {
		t.Fatal("Output() should return a lumberjack logger for a file path")
	}
	defer w.Close()
	if w.MaxSize != 10 || w.MaxBackups != 3 {
		t.Errorf("defaults = %d/%d, want 10/3", w.MaxSize, w.MaxBackups)
	}

	logger := New(w, LevelInfo)
	logger.Info("to file")
}
