package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q is not JSON: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{" Info ", InfoLevel},
		{"warn", WarnLevel},
		{"WARNING", WarnLevel},
		{"error", ErrorLevel},
		{"invalid", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	if DebugLevel.String() != "DEBUG" || ErrorLevel.String() != "ERROR" || Level(99).String() != "UNKNOWN" {
		t.Error("unexpected level names")
	}
}

func TestDomainFields(t *testing.T) {
	tests := []struct {
		name  string
		field Field
		key   string
		value any
	}{
		{"stream", Stream("acl"), "stream", "acl"},
		{"txid", TxID(42), "txid", int64(42)},
		{"unit", Unit(7), "unit", int64(7)},
		{"entity", Entity("node", 9), "node_id", int64(9)},
		{"shard", Shard(1, 4), "shard", [2]int{1, 4}},
		{"latency", Latency(1500 * time.Millisecond), "latency", "1.5s"},
		{"error nil", Error(nil), "error", nil},
		{"error", Error(errors.New("boom")), "error", "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.field.Key != tt.key || tt.field.Value != tt.value {
				t.Errorf("got %+v, want {%s %v}", tt.field, tt.key, tt.value)
			}
		})
	}
}

// TestJSONLogger_LevelFiltering tests that lines below the level are dropped
func TestJSONLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != "WARN" || entries[1].Level != "ERROR" {
		t.Errorf("levels = %s, %s", entries[0].Level, entries[1].Level)
	}
}

func TestJSONLogger_FieldsAndOmission(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	logger.Info("bare")
	logger.Info("applied", Stream("metadata"), TxID(12), Count(3))

	if strings.Contains(strings.Split(buf.String(), "\n")[0], "fields") {
		t.Error("fields key present on a line without fields")
	}
	entries := decodeLines(t, &buf)
	f := entries[1].Fields
	if f["stream"] != "metadata" || f["txid"] != float64(12) || f["count"] != float64(3) {
		t.Errorf("fields = %v", f)
	}
}

func TestJSONLogger_With(t *testing.T) {
	var buf bytes.Buffer
	parent := NewJSONLogger(&buf, InfoLevel)
	child := parent.With(Component("tracker"), Stream("acl"))

	child.Info("cycle", Stream("override"))
	parent.Info("parent")

	entries := decodeLines(t, &buf)
	if entries[0].Fields["component"] != "tracker" {
		t.Errorf("child lost pre-set field: %v", entries[0].Fields)
	}
	if entries[0].Fields["stream"] != "override" {
		t.Errorf("call-site field should win, got %v", entries[0].Fields["stream"])
	}
	if entries[1].Fields != nil {
		t.Errorf("parent picked up child fields: %v", entries[1].Fields)
	}
}

// TestJSONLogger_SetLevelSharedWithChildren tests that children follow the parent level
func TestJSONLogger_SetLevelSharedWithChildren(t *testing.T) {
	var buf bytes.Buffer
	parent := NewJSONLogger(&buf, InfoLevel)
	child := parent.With(Component("x"))

	child.Debug("hidden")
	parent.SetLevel(DebugLevel)
	child.Debug("shown")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0].Message != "shown" {
		t.Errorf("entries = %+v", entries)
	}
	if child.GetLevel() != DebugLevel {
		t.Errorf("child level = %v", child.GetLevel())
	}
}

func TestJSONLogger_ConcurrentChildrenDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	parent := NewJSONLogger(&buf, InfoLevel)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		child := parent.With(Int("worker", i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				child.Info("tick", Int("j", j))
			}
		}()
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 400 {
		t.Errorf("got %d lines, want 400", got)
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, DebugLevel)

	op := StartTimer(logger, "commit", Stream("content"))
	if d := op.End(Count(2)); d < 0 {
		t.Errorf("negative duration %v", d)
	}
	StartTimer(logger, "apply").EndError(errors.New("index closed"))
	StartTimer(logger, "poll").EndWithLevel(WarnLevel)

	entries := decodeLines(t, &buf)
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Level != "DEBUG" || entries[0].Fields["latency"] == nil || entries[0].Fields["count"] != float64(2) {
		t.Errorf("End entry = %+v", entries[0])
	}
	if entries[1].Level != "ERROR" || entries[1].Fields["error"] != "index closed" {
		t.Errorf("EndError entry = %+v", entries[1])
	}
	if entries[2].Level != "WARN" {
		t.Errorf("EndWithLevel entry = %+v", entries[2])
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.log")
	logger, closer, err := New(path, "debug")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug("hello")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("file contents = %s", data)
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger()
	l.Info("ignored")
	if l.With(String("a", "b")) == nil {
		t.Error("With returned nil")
	}
	if l.GetLevel() <= ErrorLevel {
		t.Errorf("nop level = %v, want above ERROR", l.GetLevel())
	}
}
