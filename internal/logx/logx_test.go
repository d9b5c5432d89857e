package logx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "explorer.log")
	logger, err := New(Options{Path: path, Level: "debug"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("run started")
	_ = logger.Sync()

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(buf), `"msg":"run started"`) {
		t.Fatalf("expected json log line, got %s", buf)
	}
}

func TestNewDisabledReturnsNop(t *testing.T) {
	logger, err := New(Options{Path: filepath.Join(t.TempDir(), "x.log"), Level: "off"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("dropped")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(Options{Path: filepath.Join(t.TempDir(), "x.log"), Level: "chatty"}); err == nil {
		t.Fatal("expected invalid level error")
	}
}
