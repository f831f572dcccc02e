package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

// Logs must never reach stdout: with MCP_TRANSPORT=stdio that stream carries
// JSON-RPC frames, and any slog line written there corrupts the transport.
func TestNewLoggerWritesOnlyToGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "info")

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	saved := os.Stdout
	os.Stdout = w
	logger.Info("server starting", "addr", ":8080")
	os.Stdout = saved
	w.Close()

	var leaked bytes.Buffer
	if _, err := leaked.ReadFrom(r); err != nil {
		t.Fatal(err)
	}
	if leaked.Len() != 0 {
		t.Fatalf("log output leaked to stdout: %q", leaked.String())
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if line["msg"] != "server starting" {
		t.Fatalf("msg = %v", line["msg"])
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")

	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info emitted at warn level: %q", buf.String())
	}
	logger.Warn("emitted")
	if buf.Len() == 0 {
		t.Fatal("warn suppressed at warn level")
	}

	buf.Reset()
	newLogger(&buf, "bogus").Info("default level")
	if buf.Len() == 0 {
		t.Fatal("unknown level name must default to info")
	}
}
