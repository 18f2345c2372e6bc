package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaultsToStderr(t *testing.T) {
	l := NewLogger(nil)
	if l == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	l.Debug("should not appear")
	l.Info("also should not appear")
	l.Warn("warn appears")
	l.Error("error appears")

	out := buf.String()
	if strings.Contains(out, "should not appear") || strings.Contains(out, "also should not appear") {
		t.Errorf("level filtering failed, got: %q", out)
	}
	if !strings.Contains(out, "[WARN]") || !strings.Contains(out, "[ERROR]") {
		t.Errorf("expected WARN and ERROR lines, got: %q", out)
	}
}

func TestKeyValueFormatting(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	l.Info("creating bo", "handle", 7, "size", 4096)

	out := buf.String()
	if !strings.Contains(out, "handle=7") || !strings.Contains(out, "size=4096") {
		t.Errorf("expected key=value pairs in output, got: %q", out)
	}
}

func TestDefaultLoggerIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same logger instance")
	}
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	custom := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	defer SetDefault(NewLogger(nil))

	Info("via package-level helper")
	if !strings.Contains(buf.String(), "via package-level helper") {
		t.Errorf("expected message routed through custom default logger, got: %q", buf.String())
	}
}

func TestWithCarriesFieldsAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	scoped := l.With("device", "abc-123")

	scoped.Infof("opened")
	scoped.Infof("closed")

	out := buf.String()
	if strings.Count(out, "device=abc-123") != 2 {
		t.Errorf("expected device=abc-123 on every line from the scoped logger, got: %q", out)
	}
}

func TestWithDoesNotMutateReceiver(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	_ = l.With("device", "abc-123")

	l.Infof("unscoped")
	if strings.Contains(buf.String(), "device=abc-123") {
		t.Errorf("With must not mutate the receiver, got: %q", buf.String())
	}
}

func TestWithStacksOnTopOfExistingFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	scoped := l.With("device", "abc-123").With("handle", 7)

	scoped.Infof("allocated")

	out := buf.String()
	if !strings.Contains(out, "device=abc-123") || !strings.Contains(out, "handle=7") {
		t.Errorf("expected both device and handle fields, got: %q", out)
	}
}

func TestPrintfCompat(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&Config{Level: LevelInfo, Output: &buf})
	l.Printf("device %d ready", 3)
	if !strings.Contains(buf.String(), "device 3 ready") {
		t.Errorf("Printf did not format as expected: %q", buf.String())
	}
}
