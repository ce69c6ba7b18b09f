package cache

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	// These should not panic - they're no-ops
	logger.Debug("test message", "key", "value")
	logger.Info("test message", "key", "value")
	logger.Warn("test message", "key", "value")
	logger.Error("test message", "key", "value")
	logger.Debug("test message")
}

func TestConsoleLoggerLevels(t *testing.T) {
	logger := NewConsoleLogger("TestPrefix")

	cases := []struct {
		level string
		log   func(msg string, args ...any)
	}{
		{"[DEBUG]", logger.Debug},
		{"[INFO]", logger.Info},
		{"[WARN]", logger.Warn},
		{"[ERROR]", logger.Error},
	}
	for _, tc := range cases {
		output := captureStdout(t, func() { tc.log("test message", "key", "value") })
		if !strings.Contains(output, tc.level) {
			t.Errorf("Expected %s in output, got: %s", tc.level, output)
		}
		if !strings.Contains(output, "TestPrefix") {
			t.Errorf("Expected TestPrefix in output, got: %s", output)
		}
		if !strings.Contains(output, "test message") {
			t.Errorf("Expected 'test message' in output, got: %s", output)
		}
	}
}

func TestConsoleLoggerWithoutArgs(t *testing.T) {
	logger := NewConsoleLogger("Prefix")
	output := captureStdout(t, func() { logger.Info("plain") })
	if strings.Contains(output, "[]") {
		t.Errorf("Expected no argument list, got: %s", output)
	}
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Info("stored entry", "generation", "dynamic-v1")

	output := buf.String()
	if !strings.Contains(output, "stored entry") || !strings.Contains(output, "generation=dynamic-v1") {
		t.Fatalf("Unexpected slog output: %s", output)
	}

	if NewSlogLogger(nil) == nil {
		t.Fatal("Expected default slog logger")
	}
}
