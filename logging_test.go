package gradius

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gradius.log")
	logger, err := NewLogger(LogConfig{Level: "info", File: path})
	if err != nil {
		t.Fatalf("Error creating logger: %v", err)
	}

	logger.Debug("hidden")
	logger.Info("peer created", zap.Uint("peer_id", 7))
	logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Error reading log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected one log line, got %v", len(lines))
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["msg"] != "peer created" || entry["peer_id"] != float64(7) {
		t.Errorf("Unexpected log entry %v", entry)
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Errorf("Expected an unknown level to be rejected")
	}
}
