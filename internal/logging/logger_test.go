package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONWithAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "chatsyncd.log")
	var console bytes.Buffer
	logger, err := New(Options{Path: path, Account: "work", Level: "debug", Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("log line is not JSON: %s", data)
	}
	if entry["account"] != "work" || entry["msg"] != "hello" || entry["level"] != "debug" {
		t.Errorf("entry = %v", entry)
	}
	if !strings.Contains(console.String(), "DEBUG") || !strings.Contains(console.String(), "hello") {
		t.Errorf("console = %q", console.String())
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.log")
	var console bytes.Buffer
	logger, err := New(Options{Path: path, Console: &console})
	if err != nil {
		t.Fatal(err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "hidden") || !strings.Contains(string(data), "shown") {
		t.Errorf("file = %s", data)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Options{Path: filepath.Join(t.TempDir(), "x.log"), Level: "loud"})
	if err == nil {
		t.Error("expected error for unknown level")
	}
}
