package logging

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)

	// Debug should be filtered
	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("debug message should be filtered at INFO level")
	}

	logger.Info("info message")
	if buf.Len() == 0 {
		t.Error("info message should be logged")
	}

	output := buf.String()
	if !strings.Contains(output, "INFO") {
		t.Error("log should contain INFO level")
	}
	if !strings.Contains(output, "info message") {
		t.Error("log should contain the message")
	}
}

func TestLogger_WithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithComponent("bridge")
	logger.SetOutput(&buf)

	logger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, "[bridge]") {
		t.Errorf("expected component 'bridge' in log, got: %s", output)
	}
}

func TestLogger_DerivedLoggersShareOutput(t *testing.T) {
	var buf bytes.Buffer
	root := New()
	root.SetOutput(&buf)

	child := root.WithComponent("registry")
	child.Warn("slow consumer")

	if !strings.Contains(buf.String(), "[registry] slow consumer") {
		t.Errorf("child logger should write to the root output, got: %s", buf.String())
	}
}

func TestLogger_WithUser(t *testing.T) {
	var buf bytes.Buffer
	logger := New().WithUser("u-42")
	logger.SetOutput(&buf)

	logger.Info("sample", Fields{"value": 72})

	output := buf.String()
	if !strings.Contains(output, "user=u-42") {
		t.Errorf("expected user field, got: %s", output)
	}
	if !strings.Contains(output, "value=72") {
		t.Errorf("expected value field, got: %s", output)
	}
}

func TestLogger_FieldsSorted(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	logger.Info("msg", Fields{"b": 2, "a": 1})

	if !strings.Contains(buf.String(), "a=1 b=2") {
		t.Errorf("expected fields in key order, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"INFO", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithComponent("worker").Info("line")
		}()
	}
	wg.Wait()

	lines := strings.Count(buf.String(), "\n")
	if lines != 20 {
		t.Errorf("expected 20 lines, got %d", lines)
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic and must not write anywhere visible.
	Discard().WithComponent("x").Error("dropped")
}
