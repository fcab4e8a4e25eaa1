package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, "warn", "json")

	logger.Info("dropped")
	logger.Warn("kept", "nonce", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "kept" || rec["nonce"] != float64(3) {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestNewTextFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newWithWriter(&buf, "verbose", "text")

	logger.Debug("dropped")
	logger.Info("kept")

	if strings.Contains(buf.String(), "dropped") || !strings.Contains(buf.String(), "msg=kept") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestFromContextAddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := newWithWriter(&buf, "info", "json")

	FromContext(WithRequestID(context.Background(), "req-1"), base).Info("hello")
	if !strings.Contains(buf.String(), `"request_id":"req-1"`) {
		t.Fatalf("expected request_id in output, got %s", buf.String())
	}

	buf.Reset()
	FromContext(context.Background(), base).Info("hello")
	if strings.Contains(buf.String(), "request_id") {
		t.Fatalf("unexpected request_id in output: %s", buf.String())
	}
}
