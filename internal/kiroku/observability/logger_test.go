package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/bdobrica/Kiroku/common/trace"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTrace_AddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "info", "json")

	ctx := trace.WithTraceID(context.Background(), "t_abc")
	Trace(ctx, base).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["trace_id"] != "t_abc" {
		t.Errorf("trace_id: got %v, want t_abc", line["trace_id"])
	}
}

func TestTrace_NoTraceReturnsBase(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, "debug", "text")

	if got := Trace(context.Background(), base); got != base {
		t.Error("expected base logger when ctx has no trace")
	}
	base.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug line missing from text output: %q", buf.String())
	}
}

func TestRedactSecrets(t *testing.T) {
	got := RedactSecrets("token=sk-123456 sent", "sk-123456")
	if strings.Contains(got, "sk-123456") {
		t.Errorf("secret leaked: %q", got)
	}
}
