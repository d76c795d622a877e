package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestSetup(t *testing.T) {
	// Reset logger for testing
	logger = nil
	once = *new(sync.Once)

	Setup("DEBUG", "json")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected DEBUG to be enabled")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"Error": slog.LevelError,
		"info":  slog.LevelInfo,
		"loud":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWriterText(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "INFO", "text")

	WithComponent("worker").Info("started", "n", 3)
	Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "component=worker") || !strings.Contains(out, "msg=started") {
		t.Fatalf("unexpected text output: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line should be filtered at INFO: %q", out)
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	logger = slog.New(h)

	WithComponent("test-comp").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithRequest(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, nil)
	logger = slog.New(h)

	WithRequest("req-123").Info("fetch done")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["request_id"] != "req-123" {
		t.Errorf("Expected request_id 'req-123', got %v", out["request_id"])
	}
}
