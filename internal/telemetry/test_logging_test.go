package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"auditpipe/internal/tester"
)

func TestSplitLevel(t *testing.T) {
	tests := []struct {
		in        string
		wantLevel string
		wantMsg   string
	}{
		{in: "[WARN] lease: stale release", wantLevel: "WARN", wantMsg: "lease: stale release"},
		{in: "error: boom", wantLevel: "ERROR", wantMsg: "boom"},
		{in: "[warning] slow", wantLevel: "WARN", wantMsg: "slow"},
		{in: "lease: granted", wantLevel: "INFO", wantMsg: "lease: granted"},
		{in: "[] empty tag", wantLevel: "INFO", wantMsg: "[] empty tag"},
		{in: "plain message\n", wantLevel: "INFO", wantMsg: "plain message"},
		{in: "", wantLevel: "INFO", wantMsg: ""},
	}
	for _, tt := range tests {
		level, msg := splitLevel(tt.in)
		tester.Eq(t, level, tt.wantLevel, tt.in)
		tester.Eq(t, msg, tt.wantMsg, tt.in)
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("auditpipe", "json", &buf)
	logger.Printf("[ERROR] lease: forced release after %dms", 42)

	var entry map[string]string
	tester.NoErr(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	tester.Eq(t, entry["level"], "ERROR")
	tester.Eq(t, entry["service"], "auditpipe")
	tester.Eq(t, entry["msg"], "lease: forced release after 42ms")
	_, hasTrace := entry["trace_id"]
	tester.False(t, hasTrace, "no span, no trace_id")
}

func spanContext(t *testing.T) context.Context {
	t.Helper()
	tid, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	tester.NoErr(t, err)
	sid, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	tester.NoErr(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: sid, TraceFlags: trace.FlagsSampled})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestForContextAddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger("auditpipe", "json", &buf)
	ForContext(spanContext(t), base).Printf("[INFO] orchestrator: phase recon running")
	base.Printf("[INFO] untraced")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	tester.Len(t, lines, 2)
	var traced, plain map[string]string
	tester.NoErr(t, json.Unmarshal([]byte(lines[0]), &traced))
	tester.NoErr(t, json.Unmarshal([]byte(lines[1]), &plain))
	tester.Eq(t, traced["trace_id"], "4bf92f3577b34da6a3ce929d0e0e4736")
	tester.Eq(t, traced["msg"], "orchestrator: phase recon running")
	tester.Eq(t, plain["trace_id"], "")
}

func TestForContextText(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger("auditpipe", "text", &buf)
	ForContext(spanContext(t), base).Printf("[WARN] slow")
	tester.True(t, strings.Contains(buf.String(), "trace_id=4bf92f3577b34da6a3ce929d0e0e4736 [WARN] slow"), buf.String())

	tester.True(t, ForContext(context.Background(), base) == base)
}

func TestExporterOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
		wantErr  bool
	}{
		{endpoint: "localhost:4318", want: 2},
		{endpoint: "http://collector:4318", want: 2},
		{endpoint: "https://collector:4318/v1/traces", want: 2},
		{endpoint: "http://collector:4318/custom/", want: 3},
		{endpoint: "http://", wantErr: true},
	}
	for _, tt := range tests {
		opts, err := exporterOptions(tt.endpoint)
		if tt.wantErr {
			tester.Err(t, err, tt.endpoint)
			continue
		}
		tester.NoErr(t, err, tt.endpoint)
		tester.Len(t, opts, tt.want, tt.endpoint)
	}
}
