package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresMirror copies audit log entries into the audit_entries table so
// runs can be queried across machines. Artifact bodies are not stored.
type PostgresMirror struct {
	db    *sql.DB
	runID string

	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresMirror(ctx context.Context, dsn, runID string) (*PostgresMirror, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run_id is required")
	}
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresMirror{db: db, runID: runID}, nil
}

func (p *PostgresMirror) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresMirror) ensureSchema(ctx context.Context) error {
	p.schemaOnce.Do(func() {
		_, p.schemaErr = p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS audit_entries (
  id BIGSERIAL PRIMARY KEY,
  run_id TEXT NOT NULL,
  ts TEXT NOT NULL,
  phase TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL,
  artifact_id TEXT NOT NULL,
  path TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  metadata JSONB
);
CREATE INDEX IF NOT EXISTS idx_audit_entries_run_id ON audit_entries (run_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_type ON audit_entries (run_id, type);
`)
	})
	return p.schemaErr
}

func (p *PostgresMirror) RecordEntry(ctx context.Context, e Entry) error {
	if err := p.ensureSchema(ctx); err != nil {
		return err
	}
	meta, err := metadataColumn(e.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO audit_entries (run_id, ts, phase, type, artifact_id, path, status, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.runID, e.Timestamp, e.Phase, e.Type, e.ID, e.Path, string(e.Status), meta)
	return err
}

// metadataColumn encodes metadata for the JSONB column; empty maps become NULL.
func metadataColumn(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// PutArtifact is a no-op; bodies belong in object storage.
func (p *PostgresMirror) PutArtifact(context.Context, string, []byte) error { return nil }
