package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewAttachesServiceFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Config{Level: "debug", Environment: "test", ServiceName: "carts", Version: "1.2.3", Output: &buf})
	log.Info().Str("cart", "lab1").Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "carts" || entry["version"] != "1.2.3" || entry["cart"] != "lab1" {
		t.Fatalf("entry = %v", entry)
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Config{Level: "bogus", Output: &buf})
	log.Debug().Msg("dropped")
	if buf.Len() != 0 {
		t.Fatalf("debug line written at info level: %s", buf.String())
	}
}

func TestCriticalLogsFatalLevelWithoutExit(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := New(Config{Level: "info", Output: &buf}).Component("approval")
	log.Critical().Str("cart", "lab1").Msg("inconsistent")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["level"] != "fatal" {
		t.Fatalf("level = %v, want fatal", entry["level"])
	}
	if entry["component"] != "approval" {
		t.Fatalf("component = %v", entry["component"])
	}
}
