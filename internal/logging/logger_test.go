package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewWithWriterEmitsServiceField(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := NewWithWriter("production", "info", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	componentLogger := Component(logger, "graph")
	componentLogger.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["service"] != "similarity" || entry["component"] != "graph" {
		t.Fatalf("unexpected log fields: %v", entry)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New("local", "loud"); err == nil {
		t.Fatalf("expected unknown level to fail")
	}
}
