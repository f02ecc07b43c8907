package artifact

import (
	"context"
	"sync"
)

// Mirror receives copies of run files and log entries. The local run
// directory stays the source of truth; mirror failures are logged only.
type Mirror interface {
	PutArtifact(ctx context.Context, relPath string, data []byte) error
	RecordEntry(ctx context.Context, e Entry) error
}

// MemoryMirror keeps everything in process. Used by tests and dry runs.
type MemoryMirror struct {
	mu      sync.Mutex
	files   map[string][]byte
	entries []Entry
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{files: make(map[string][]byte)}
}

func (m *MemoryMirror) PutArtifact(_ context.Context, relPath string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[relPath] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryMirror) RecordEntry(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryMirror) File(relPath string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[relPath]
	return append([]byte(nil), b...), ok
}

func (m *MemoryMirror) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
