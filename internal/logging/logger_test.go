package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewAppendsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "automation.log")
	l, err := New(path, "debug", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("session started", "workspace", "api")
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), "workspace=api") {
		t.Fatalf("expected structured attribute in %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARN") != slog.LevelWarn {
		t.Fatalf("expected warn level")
	}
	if ParseLevel("") != slog.LevelInfo {
		t.Fatalf("expected info default")
	}
}
