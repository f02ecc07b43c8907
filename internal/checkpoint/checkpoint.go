package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"auditpipe/internal/safeio"
)

// FileName is the checkpoint file inside a run directory.
const FileName = "checkpoint.json"

// State is the persisted progress of one audit run.
type State struct {
	CurrentPhase     *string  `json:"currentPhase"`
	CompletedPhases  []string `json:"completedPhases"`
	VisitedEndpoints []string `json:"visitedEndpoints"`
	QueuedEndpoints  []string `json:"queuedEndpoints"`
	FindingsCount    int      `json:"findingsCount"`
	ElapsedMs        int64    `json:"elapsedMs"`
	Timestamp        string   `json:"timestamp"`
}

// HasCompleted reports whether id is already in the completed list.
func (s *State) HasCompleted(id string) bool {
	if s == nil {
		return false
	}
	for _, c := range s.CompletedPhases {
		if c == id {
			return true
		}
	}
	return false
}

func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Save atomically replaces the checkpoint in dir. A zero Timestamp is stamped
// with the current time.
func Save(dir string, state State) error {
	if dir == "" {
		return errors.New("checkpoint: run dir is required")
	}
	if state.Timestamp == "" {
		state.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if state.CompletedPhases == nil {
		state.CompletedPhases = []string{}
	}
	if state.VisitedEndpoints == nil {
		state.VisitedEndpoints = []string{}
	}
	if state.QueuedEndpoints == nil {
		state.QueuedEndpoints = []string{}
	}
	if err := safeio.WriteJSONAtomic(Path(dir), state); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load returns the checkpoint in dir, or nil when it is absent, unparseable,
// or structurally invalid.
func Load(dir string) *State {
	st, err := Inspect(dir)
	if err != nil {
		return nil
	}
	return st
}

// Inspect is Load with the reason a checkpoint was rejected.
func Inspect(dir string) (*State, error) {
	raw, err := os.ReadFile(Path(dir))
	if err != nil {
		return nil, err
	}
	if err := validate(raw); err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	return &st, nil
}

// ShouldResume is true only for a loadable checkpoint with at least one
// completed phase.
func ShouldResume(dir string) bool {
	st := Load(dir)
	return st != nil && len(st.CompletedPhases) > 0
}

// validate checks field types on the generic document so that a mistyped
// field is rejected instead of being zeroed by json.Unmarshal.
func validate(raw []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("checkpoint: parse: %w", err)
	}
	if doc == nil {
		return errors.New("checkpoint: not an object")
	}

	var errs []error
	completed, ok := doc["completedPhases"].([]any)
	if !ok {
		errs = append(errs, errors.New("completedPhases must be a list"))
	}
	for i, v := range completed {
		if _, ok := v.(string); !ok {
			errs = append(errs, fmt.Errorf("completedPhases[%d] must be a string", i))
		}
	}
	if _, ok := doc["timestamp"].(string); !ok {
		errs = append(errs, errors.New("timestamp must be a string"))
	}
	if _, ok := doc["elapsedMs"].(float64); !ok {
		errs = append(errs, errors.New("elapsedMs must be a number"))
	}
	if _, ok := doc["findingsCount"].(float64); !ok {
		errs = append(errs, errors.New("findingsCount must be a number"))
	}
	for _, key := range []string{"visitedEndpoints", "queuedEndpoints"} {
		if v, present := doc[key]; present && v != nil {
			if _, ok := v.([]any); !ok {
				errs = append(errs, fmt.Errorf("%s must be a list", key))
			}
		}
	}
	if v, present := doc["currentPhase"]; present && v != nil {
		if _, ok := v.(string); !ok {
			errs = append(errs, errors.New("currentPhase must be a string or null"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("checkpoint: invalid: %w", errors.Join(errs...))
	}
	return nil
}
