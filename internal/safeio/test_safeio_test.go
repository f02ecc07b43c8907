package safeio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"auditpipe/internal/tester"
)

func TestSafeFSAllowsAbsoluteUnderRoot(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	fs, err := NewSafeFS(dir)
	if err != nil {
		t.Fatalf("NewSafeFS: %v", err)
	}
	if _, err := fs.SafeReadFile(p); err != nil {
		t.Fatalf("SafeReadFile absolute: %v", err)
	}
}

func TestSafeFSRejectsTraversalOnRead(t *testing.T) {
	fs, err := NewSafeFS(t.TempDir())
	tester.NoErr(t, err)
	_, err = fs.SafeReadFile("../etc/passwd")
	tester.Err(t, err)
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "state.json")
	tester.NoErr(t, WriteFileAtomic(path, []byte(`{"a":1}`)))
	tester.NoErr(t, WriteFileAtomic(path, []byte(`{"a":2}`)))

	got, err := os.ReadFile(path)
	tester.NoErr(t, err)
	tester.Eq(t, string(got), `{"a":2}`)

	entries, err := os.ReadDir(filepath.Dir(path))
	tester.NoErr(t, err)
	tester.Len(t, entries, 1, "only the target file should remain")
}

func TestSafeFSWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewSafeFS(dir)
	tester.NoErr(t, err)

	tester.NoErr(t, fs.WriteFileAtomic("findings/F-001.json", []byte("{}")))
	b, err := fs.SafeReadFile("findings/F-001.json")
	tester.NoErr(t, err)
	tester.Eq(t, string(b), "{}")
}

func TestValidateRelPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "plain", path: "a.json"},
		{name: "nested", path: "findings/F-001.json"},
		{name: "empty", path: "  ", wantErr: true},
		{name: "absolute", path: "/tmp/x.json", wantErr: true},
		{name: "parent", path: "../x.json", wantErr: true},
		{name: "embedded parent", path: "a/../../x.json", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRelPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateRelPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("expected ErrUnsafePath, got %v", err)
			}
		})
	}
}

func TestIsTempName(t *testing.T) {
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, ".checkpoint.json"+tempInfix+"*")
	tester.NoErr(t, err)
	tester.NoErr(t, f.Close())
	tester.True(t, IsTempName(filepath.Base(f.Name())), f.Name())

	tester.True(t, IsTempName("F-002.json.tmp"))
	tester.False(t, IsTempName("checkpoint.json"))
	tester.False(t, IsTempName("report.tmp-notes.json"), "only hidden files carry the infix")
	tester.False(t, IsTempName(".gitignore"))
}
