package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseLevelRoundTrip(t *testing.T) {
	for _, s := range []string{"debug", "info", "warn", "error"} {
		lvl, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
		if strings.ToLower(lvl.String()) != s {
			t.Fatalf("ParseLevel(%q).String() = %q", s, lvl.String())
		}
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("trace"); err == nil {
		t.Fatal("expected error for unrecognized level")
	}
}

func TestLoggerFiltersBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)
	l.Debugf("should not appear")
	l.Infof("also suppressed")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below minimum level, got %q", buf.String())
	}
	l.Warnf("disk usage at %d%%", 90)
	if !strings.Contains(buf.String(), "[WARN]") || !strings.Contains(buf.String(), "90%") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestLoggerEmitsErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)
	l.Errorf("checkpoint failed: %v", "disk full")
	if !strings.Contains(buf.String(), "[ERROR]") || !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}
