package artifact

import (
	"errors"
	"fmt"
)

// MaxLineBytes bounds one serialized log line, newline included. Lines this
// short are written by a single append(2) and never interleave or tear.
const MaxLineBytes = 4096

var (
	ErrEntryTooLarge = errors.New("artifact: entry exceeds line limit")
	ErrInvalidPath   = errors.New("artifact: invalid artifact path")
)

type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusDeleted Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusUpdated, StatusDeleted:
		return true
	}
	return false
}

// Entry is one immutable line of the audit log.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	Phase     string         `json:"phase"`
	Type      string         `json:"type"`
	ID        string         `json:"id"`
	Path      string         `json:"path"`
	Status    Status         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (e Entry) validate() error {
	if e.Type == "" {
		return errors.New("artifact: entry type is required")
	}
	if e.ID == "" {
		return errors.New("artifact: entry id is required")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("artifact: invalid entry status %q", e.Status)
	}
	return nil
}

// Filter selects entries; empty fields match anything.
type Filter struct {
	Phase  string
	Type   string
	Status Status
}

func (f Filter) Match(e Entry) bool {
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}

func (f Filter) key() string {
	return f.Phase + "\x00" + f.Type + "\x00" + string(f.Status)
}
