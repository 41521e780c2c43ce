// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewWithOptionsTeesToFile checks that entries reach the rotating file.
func TestNewWithOptionsTeesToFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "crawler.log")
	logger, err := NewWithOptions(Options{File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("NewWithOptions error = %v", err)
	}
	logger.Info("frontier exhausted")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"frontier exhausted"`) {
		t.Fatalf("log file missing entry: %s", data)
	}
}
