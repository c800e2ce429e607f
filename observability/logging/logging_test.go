package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupWithOptionsWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := SetupWithOptions(Options{Service: "confio-sto", Env: "test", Output: &buf})
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("prepared", "intent_id", "pi_1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected only the info line, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["message"] != "prepared" || entry["severity"] != "INFO" || entry["service"] != "confio-sto" || entry["env"] != "test" {
		t.Fatalf("unexpected entry %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp in %v", entry)
	}
}

func TestSetupWithOptionsDebugAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "sto.log")
	logger, closer := SetupWithOptions(Options{Service: "confio-sto", Debug: true, File: path, Output: &buf})

	logger.Debug("params cache miss")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"severity":"DEBUG"`) || !strings.Contains(buf.String(), "params cache miss") {
		t.Fatalf("debug line missing: file=%q stdout=%q", data, buf.String())
	}
}

func TestMaskField(t *testing.T) {
	if got := MaskField("mnemonic", "abandon abandon").Value.String(); got != RedactedValue {
		t.Fatalf("mnemonic not redacted: %q", got)
	}
	if got := MaskField("trade_id", "t_1").Value.String(); got != "t_1" {
		t.Fatalf("allowlisted key redacted: %q", got)
	}
	if IsAllowlisted("jwt") {
		t.Fatalf("jwt must not be allowlisted: %v", RedactionAllowlist())
	}
	if got := MaskToken("token", "eyJhbGciOiJIUzI1NiJ9.payload").Value.String(); !strings.HasPrefix(got, "eyJh") || strings.Contains(got, "payload") {
		t.Fatalf("unexpected masked token %q", got)
	}
}
