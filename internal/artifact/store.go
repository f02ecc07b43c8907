package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"auditpipe/internal/metrics"
	"auditpipe/internal/safeio"
	"auditpipe/internal/telemetry"
)

// LogFileName is the append-only audit log inside a run directory.
const LogFileName = "audit-log.jsonl"

const queryCacheSize = 64

// DefaultMirrorTimeout bounds each mirror call.
const DefaultMirrorTimeout = 10 * time.Second

// Store owns the audit log and every artifact file beneath one run directory.
// A single process is assumed to write; any number may read.
type Store struct {
	dir string
	fs  *safeio.SafeFS

	mu      sync.Mutex
	logger  *log.Logger
	metrics *metrics.Metrics
	mirrors []Mirror
	// mirrorTimeout bounds every PutArtifact and RecordEntry call.
	mirrorTimeout time.Duration
	now           func() time.Time

	queries *lru.Cache[string, []Entry]
}

type Option func(*Store)

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithMirrors adds remote sinks that receive a copy of every artifact and
// entry after the local write has succeeded.
func WithMirrors(ms ...Mirror) Option {
	return func(s *Store) {
		for _, m := range ms {
			if m != nil {
				s.mirrors = append(s.mirrors, m)
			}
		}
	}
}

func WithMirrorTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.mirrorTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore opens (creating if needed) the run directory dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("artifact: run dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create run dir: %w", err)
	}
	fsys, err := safeio.NewSafeFS(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	cache, err := lru.New[string, []Entry](queryCacheSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:           fsys.Root(),
		fs:            fsys,
		logger:        telemetry.Discard(),
		mirrorTimeout: DefaultMirrorTimeout,
		now:           time.Now,
		queries:       cache,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

func (s *Store) LogPath() string { return filepath.Join(s.dir, LogFileName) }

// Append stamps e with the current time and appends it as one JSON line.
// An entry whose line would exceed MaxLineBytes is rejected with
// ErrEntryTooLarge and the log is left untouched.
func (s *Store) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	e.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
	raw, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("artifact: encode entry: %w", err)
	}
	if len(raw)+1 > MaxLineBytes {
		return Entry{}, fmt.Errorf("%w: %s/%s is %d bytes (max %d)", ErrEntryTooLarge, e.Type, e.ID, len(raw)+1, MaxLineBytes)
	}
	raw = append(raw, '\n')

	s.mu.Lock()
	err = appendLine(s.LogPath(), raw)
	s.mu.Unlock()
	if err != nil {
		return Entry{}, fmt.Errorf("artifact: append: %w", err)
	}
	s.metrics.EntryAppended(e.Type)

	for _, m := range s.mirrors {
		mctx, cancel := context.WithTimeout(ctx, s.mirrorTimeout)
		err := m.RecordEntry(mctx, e)
		cancel()
		if err != nil {
			s.logger.Printf("[WARN] artifact: mirror entry %s/%s: %v", e.Type, e.ID, err)
		}
	}
	return e, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Query returns entries matching every set field of f, in append order.
// Malformed lines are skipped with a warning.
func (s *Store) Query(f Filter) ([]Entry, error) {
	info, err := os.Stat(s.LogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("artifact: stat log: %w", err)
	}
	// The log only grows, so size and mtime identify a version of it.
	key := fmt.Sprintf("%d:%d:%s", info.Size(), info.ModTime().UnixNano(), f.key())
	if cached, ok := s.queries.Get(key); ok {
		return cloneEntries(cached), nil
	}

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	s.queries.Add(key, out)
	return cloneEntries(out), nil
}

// cloneEntries copies entries deeply enough that callers may edit metadata
// without touching cached results.
func cloneEntries(in []Entry) []Entry {
	out := make([]Entry, len(in))
	for i, e := range in {
		if e.Metadata != nil {
			e.Metadata = cloneValue(e.Metadata).(map[string]any)
		}
		out[i] = e
	}
	return out
}

// cloneValue copies the map and slice shapes produced by encoding/json.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}

// GetLatest returns the most recent entry of the given type, or nil.
func (s *Store) GetLatest(artifactType string) (*Entry, error) {
	entries, err := s.Query(Filter{Type: artifactType})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	last := entries[len(entries)-1]
	return &last, nil
}

func (s *Store) readAll() ([]Entry, error) {
	f, err := os.Open(s.LogPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, fmt.Errorf("artifact: open log: %w", err)
	}
	defer f.Close()

	out := make([]Entry, 0, 64)
	r := bufio.NewReader(f)
	for lineNo := 1; ; lineNo++ {
		line, readErr := r.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				s.logger.Printf("[WARN] artifact: skipping malformed log line %d: %v", lineNo, err)
			} else {
				out = append(out, e)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("artifact: read log: %w", readErr)
		}
	}
	return out, nil
}

// WriteArtifact writes payload as JSON to e.Path under the run directory
// using an atomic replace, then appends e to the log. The two steps are
// separately atomic: a crash in between leaves a file with no entry.
func (s *Store) WriteArtifact(ctx context.Context, e Entry, payload any) (Entry, error) {
	if err := safeio.ValidateRelPath(e.Path); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	data, err := encodePayload(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("artifact: encode %s: %w", e.Path, err)
	}
	if err := s.fs.WriteFileAtomic(e.Path, data); err != nil {
		if errors.Is(err, safeio.ErrUnsafePath) {
			return Entry{}, fmt.Errorf("%w: %v", ErrInvalidPath, err)
		}
		return Entry{}, fmt.Errorf("artifact: write %s: %w", e.Path, err)
	}
	s.Replicate(ctx, e.Path, data)
	return s.Append(ctx, e)
}

// ReadArtifact returns the raw bytes of a run-relative artifact file.
func (s *Store) ReadArtifact(rel string) ([]byte, error) {
	if err := safeio.ValidateRelPath(rel); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return s.fs.SafeReadFile(rel)
}

// Replicate pushes an already written run file to every mirror. Failures are
// logged; the local copy stays authoritative.
func (s *Store) Replicate(ctx context.Context, rel string, data []byte) {
	for _, m := range s.mirrors {
		mctx, cancel := context.WithTimeout(ctx, s.mirrorTimeout)
		err := m.PutArtifact(mctx, filepath.ToSlash(rel), data)
		cancel()
		if err != nil {
			s.logger.Printf("[WARN] artifact: mirror %s: %v", rel, err)
		}
	}
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append([]byte(nil), p...), nil
	case nil:
		return []byte("null\n"), nil
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
