package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// NewLogger returns the process logger. Components log lines shaped like
// "[WARN] lease: ..."; with format "json" each line becomes one JSON object
// carrying ts, level, service, msg and, under a span, trace_id.
func NewLogger(service, format string, out io.Writer) *log.Logger {
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return log.New(NewJSONLogWriter(service, out), "", 0)
	}
	return log.New(out, "", log.LstdFlags|log.Lmicroseconds)
}

// Discard is a logger for tests and library callers that do not care.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// ForContext returns l tagged with the trace id of the span in ctx. JSON
// loggers gain a trace_id field; text loggers a "trace_id=..." prefix.
// Without a valid span context l is returned as is.
func ForContext(ctx context.Context, l *log.Logger) *log.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if l == nil || !sc.HasTraceID() {
		return l
	}
	id := sc.TraceID().String()
	if w, ok := l.Writer().(*JSONLogWriter); ok {
		return log.New(w.withTraceID(id), l.Prefix(), l.Flags())
	}
	if l.Writer() == io.Discard {
		return l
	}
	return log.New(l.Writer(), l.Prefix()+"trace_id="+id+" ", l.Flags()|log.Lmsgprefix)
}

// JSONLogWriter adapts log.Logger output into JSON lines.
type JSONLogWriter struct {
	mu      *sync.Mutex
	service string
	traceID string
	out     io.Writer
	now     func() time.Time
}

type jsonLine struct {
	TS      string `json:"ts"`
	Level   string `json:"level"`
	Service string `json:"service"`
	TraceID string `json:"trace_id,omitempty"`
	Msg     string `json:"msg"`
}

func NewJSONLogWriter(service string, out io.Writer) *JSONLogWriter {
	if out == nil {
		out = os.Stdout
	}
	return &JSONLogWriter{mu: &sync.Mutex{}, service: service, out: out, now: time.Now}
}

// withTraceID shares the output and its lock with w.
func (w *JSONLogWriter) withTraceID(id string) *JSONLogWriter {
	c := *w
	c.traceID = id
	return &c
}

func (w *JSONLogWriter) Write(p []byte) (int, error) {
	level, msg := splitLevel(string(p))
	if err := w.Log(level, msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *JSONLogWriter) Log(level, msg string) error {
	data, err := json.Marshal(jsonLine{
		TS:      w.now().UTC().Format(time.RFC3339Nano),
		Level:   level,
		Service: w.service,
		TraceID: w.traceID,
		Msg:     msg,
	})
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.out.Write(append(data, '\n'))
	return err
}

var levels = map[string]string{
	"DEBUG":   "DEBUG",
	"INFO":    "INFO",
	"WARN":    "WARN",
	"WARNING": "WARN",
	"ERROR":   "ERROR",
}

// splitLevel reads a "[LEVEL] msg" or "level: msg" line. Anything else is INFO.
func splitLevel(line string) (level, msg string) {
	line = strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(line, "["); ok {
		if tag, msg, ok := strings.Cut(rest, "]"); ok {
			if lvl, ok := levels[strings.ToUpper(tag)]; ok {
				return lvl, strings.TrimSpace(msg)
			}
		}
	}
	if tag, msg, ok := strings.Cut(line, ":"); ok {
		if lvl, ok := levels[strings.ToUpper(strings.TrimSpace(tag))]; ok {
			return lvl, strings.TrimSpace(msg)
		}
	}
	return "INFO", line
}
