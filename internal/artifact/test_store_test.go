package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"auditpipe/internal/tester"
)

type failingMirror struct{ calls int }

func (f *failingMirror) PutArtifact(context.Context, string, []byte) error {
	f.calls++
	return errors.New("bucket unreachable")
}

func (f *failingMirror) RecordEntry(context.Context, Entry) error {
	f.calls++
	return errors.New("db unreachable")
}

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), append([]Option{WithClock(fixedClock())}, opts...)...)
	tester.NoErr(t, err)
	return s
}

func TestAppendStampsAndPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Append(ctx, Entry{Phase: "recon", Type: "finding", ID: "F-001", Path: "findings/F-001.json", Status: StatusCreated})
	tester.NoErr(t, err)
	tester.Eq(t, got.Timestamp, "2026-03-01T12:00:01Z")

	raw, err := os.ReadFile(s.LogPath())
	tester.NoErr(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	tester.Len(t, lines, 1)

	var decoded Entry
	tester.NoErr(t, json.Unmarshal([]byte(lines[0]), &decoded))
	tester.Eq(t, decoded, got)
}

func TestAppendRejectsOversizedEntryWithoutTouchingLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, Entry{Type: "finding", ID: "F-001", Status: StatusCreated})
	tester.NoErr(t, err)
	before, err := os.ReadFile(s.LogPath())
	tester.NoErr(t, err)

	big := Entry{Type: "finding", ID: "F-002", Status: StatusCreated, Metadata: map[string]any{"blob": strings.Repeat("x", MaxLineBytes)}}
	_, err = s.Append(ctx, big)
	tester.True(t, errors.Is(err, ErrEntryTooLarge), err)

	after, err := os.ReadFile(s.LogPath())
	tester.NoErr(t, err)
	tester.Eq(t, string(after), string(before))
}

func TestAppendValidatesEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, Entry{Type: "finding", ID: "x", Status: "archived"})
	tester.Err(t, err)
	_, err = s.Append(ctx, Entry{ID: "x", Status: StatusCreated})
	tester.Err(t, err)
	_, statErr := os.Stat(s.LogPath())
	tester.True(t, os.IsNotExist(statErr), "rejected entries never create the log")
}

func TestQueryFiltersInAppendOrderAndSkipsMalformedLines(t *testing.T) {
	logs := &strings.Builder{}
	s := newTestStore(t, WithLogger(log.New(logs, "", 0)))
	ctx := context.Background()

	seed := []Entry{
		{Phase: "recon", Type: "finding", ID: "F-1", Status: StatusCreated},
		{Phase: "recon", Type: "route", ID: "R-1", Status: StatusCreated},
		{Phase: "explore", Type: "finding", ID: "F-2", Status: StatusCreated},
		{Phase: "explore", Type: "finding", ID: "F-1", Status: StatusUpdated},
		{Phase: "report", Type: "report", ID: "final", Status: StatusCreated},
	}
	for i, e := range seed {
		_, err := s.Append(ctx, e)
		tester.NoErr(t, err)
		if i == 2 {
			f, err := os.OpenFile(s.LogPath(), os.O_APPEND|os.O_WRONLY, 0o644)
			tester.NoErr(t, err)
			_, err = f.WriteString("{\"type\":\"finding\",\"id\":\n\nnot json at all\n")
			tester.NoErr(t, err)
			tester.NoErr(t, f.Close())
		}
	}

	all, err := s.Query(Filter{})
	tester.NoErr(t, err)
	tester.Len(t, all, len(seed))
	tester.True(t, strings.Contains(logs.String(), "malformed"), "malformed lines are reported")

	findings, err := s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	ids := []string{}
	for _, e := range findings {
		ids = append(ids, e.Phase+"/"+e.ID)
	}
	tester.Eq(t, ids, []string{"recon/F-1", "explore/F-2", "explore/F-1"})

	updated, err := s.Query(Filter{Phase: "explore", Type: "finding", Status: StatusUpdated})
	tester.NoErr(t, err)
	tester.Len(t, updated, 1)
	tester.Eq(t, updated[0].ID, "F-1")

	none, err := s.Query(Filter{Phase: "recon", Type: "report"})
	tester.NoErr(t, err)
	tester.Len(t, none, 0)
}

func TestQuerySeesNewAppends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, Entry{Type: "finding", ID: "F-1", Status: StatusCreated})
	tester.NoErr(t, err)
	first, err := s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	tester.Len(t, first, 1)

	_, err = s.Append(ctx, Entry{Type: "finding", ID: "F-2", Status: StatusCreated})
	tester.NoErr(t, err)
	second, err := s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	tester.Len(t, second, 2)
}

func TestQueryOnEmptyRun(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	tester.Len(t, got, 0)
	latest, err := s.GetLatest("finding")
	tester.NoErr(t, err)
	tester.True(t, latest == nil)
}

func TestGetLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"progress-1", "progress-2"} {
		_, err := s.Append(ctx, Entry{Type: "progress", ID: id, Path: "checkpoint.json", Status: StatusUpdated})
		tester.NoErr(t, err)
	}
	_, err := s.Append(ctx, Entry{Type: "finding", ID: "F-1", Status: StatusCreated})
	tester.NoErr(t, err)

	latest, err := s.GetLatest("progress")
	tester.NoErr(t, err)
	tester.True(t, latest != nil)
	tester.Eq(t, latest.ID, "progress-2")
}

func TestWriteArtifactWritesFileThenEntry(t *testing.T) {
	mirror := NewMemoryMirror()
	s := newTestStore(t, WithMirrors(mirror))
	ctx := context.Background()

	payload := map[string]any{"severity": "high", "title": "reflected xss"}
	e, err := s.WriteArtifact(ctx, Entry{Phase: "testing", Type: "finding", ID: "F-001", Path: "findings/F-001.json", Status: StatusCreated}, payload)
	tester.NoErr(t, err)
	tester.True(t, e.Timestamp != "")

	raw, err := s.ReadArtifact("findings/F-001.json")
	tester.NoErr(t, err)
	var decoded map[string]any
	tester.NoErr(t, json.Unmarshal(raw, &decoded))
	tester.Eq(t, decoded["severity"], any("high"))

	entries, err := s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	tester.Len(t, entries, 1)
	tester.Eq(t, entries[0].Path, "findings/F-001.json")

	mirrored, ok := mirror.File("findings/F-001.json")
	tester.True(t, ok, "artifact mirrored")
	tester.Eq(t, string(mirrored), string(raw))
	tester.Len(t, mirror.Entries(), 1)

	leftovers, err := filepath.Glob(filepath.Join(s.Dir(), "findings", ".*tmp*"))
	tester.NoErr(t, err)
	tester.Len(t, leftovers, 0)
}

func TestWriteArtifactRejectsUnsafePaths(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, p := range []string{"/etc/passwd", "../escape.json", "findings/../../x.json", ""} {
		_, err := s.WriteArtifact(ctx, Entry{Type: "finding", ID: "F", Path: p, Status: StatusCreated}, map[string]any{})
		tester.True(t, errors.Is(err, ErrInvalidPath), p)
	}
	_, statErr := os.Stat(s.LogPath())
	tester.True(t, os.IsNotExist(statErr), "no entries for rejected writes")
}

func TestMirrorFailureDoesNotFailLocalWrite(t *testing.T) {
	logs := &strings.Builder{}
	bad := &failingMirror{}
	s := newTestStore(t, WithMirrors(bad), WithLogger(log.New(logs, "", 0)))

	_, err := s.WriteArtifact(context.Background(), Entry{Type: "report", ID: "final", Path: "report.json", Status: StatusCreated}, json.RawMessage(`{"ok":true}`))
	tester.NoErr(t, err)
	tester.Eq(t, bad.calls, 2)
	tester.True(t, strings.Contains(logs.String(), "[WARN]"))

	raw, err := s.ReadArtifact("report.json")
	tester.NoErr(t, err)
	tester.Eq(t, string(raw), `{"ok":true}`)
}

type stalledMirror struct{}

func (stalledMirror) PutArtifact(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledMirror) RecordEntry(ctx context.Context, _ Entry) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStalledMirrorIsBoundedByMirrorTimeout(t *testing.T) {
	logs := &strings.Builder{}
	s := newTestStore(t, WithMirrors(stalledMirror{}), WithMirrorTimeout(30*time.Millisecond), WithLogger(log.New(logs, "", 0)))

	start := time.Now()
	_, err := s.WriteArtifact(context.Background(), Entry{Type: "report", ID: "final", Path: "report.json", Status: StatusCreated}, map[string]any{"ok": true})
	tester.NoErr(t, err)
	tester.True(t, time.Since(start) < 2*time.Second, "mirror calls must not block past their timeout")
	tester.True(t, strings.Contains(logs.String(), "deadline exceeded"), logs.String())

	got, err := s.Query(Filter{Type: "report"})
	tester.NoErr(t, err)
	tester.Len(t, got, 1)
}

func TestQueryResultsDoNotShareMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Append(ctx, Entry{Type: "finding", ID: "F-001", Status: StatusCreated,
		Metadata: map[string]any{"severity": "high", "tags": []any{"xss"}, "loc": map[string]any{"line": 3}}})
	tester.NoErr(t, err)

	first, err := s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	first[0].Metadata["severity"] = "low"
	first[0].Metadata["tags"].([]any)[0] = "sqli"
	first[0].Metadata["loc"].(map[string]any)["line"] = 99

	again, err := s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	tester.Eq(t, again[0].Metadata["severity"], any("high"))
	tester.Eq(t, again[0].Metadata["tags"], any([]any{"xss"}))
	tester.Eq(t, again[0].Metadata["loc"], any(map[string]any{"line": float64(3)}))

	latest, err := s.GetLatest("finding")
	tester.NoErr(t, err)
	latest.Metadata["severity"] = "none"
	again, err = s.Query(Filter{Type: "finding"})
	tester.NoErr(t, err)
	tester.Eq(t, again[0].Metadata["severity"], any("high"))
}
