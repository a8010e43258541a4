package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "provider configured",
		"detail", "auth_token=supersecretvalue123")

	out := buf.String()
	if strings.Contains(out, "supersecretvalue123") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker in output: %s", out)
	}
}

func TestLoggerCallCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := WithCallID(context.Background(), "CA123")
	ctx = WithAgentID(ctx, "agent-7")
	logger.Info(ctx, "prompt received")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	if record["call_id"] != "CA123" {
		t.Errorf("expected call_id CA123, got %v", record["call_id"])
	}
	if record["agent_id"] != "agent-7" {
		t.Errorf("expected agent_id agent-7, got %v", record["agent_id"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "should not appear")
	logger.Info(context.Background(), "should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn level, got: %s", buf.String())
	}

	logger.Warn(context.Background(), "visible warning")
	if !strings.Contains(buf.String(), "visible warning") {
		t.Fatalf("expected warning in output, got: %s", buf.String())
	}
}

func TestLoggerDefaults(t *testing.T) {
	logger := NewLogger(LogConfig{})
	if logger.config.Level != "info" {
		t.Errorf("expected default level info, got %q", logger.config.Level)
	}
	if logger.config.Format != "json" {
		t.Errorf("expected default format json, got %q", logger.config.Format)
	}
}
