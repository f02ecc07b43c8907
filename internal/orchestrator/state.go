package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

type PhaseStatus string

const (
	StatusPending   PhaseStatus = "pending"
	StatusRunning   PhaseStatus = "running"
	StatusCompleted PhaseStatus = "completed"
	StatusFailed    PhaseStatus = "failed"
)

// Skip reasons recorded on PhaseResult when a phase never ran.
const (
	ReasonResourceDisabled = "resource_disabled"
	ReasonDependencyUnmet  = "dependency_unmet"
	ReasonResumed          = "resumed"
)

// PhaseResult is the terminal record of one phase in a run.
type PhaseResult struct {
	ID       string        `json:"id"`
	Status   PhaseStatus   `json:"status"`
	Skipped  bool          `json:"skipped,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// legal lists the allowed transitions of the per-phase state machine.
var legal = map[PhaseStatus][]PhaseStatus{
	StatusPending: {StatusRunning, StatusCompleted, StatusFailed},
	// A retried phase re-enters running.
	StatusRunning: {StatusRunning, StatusCompleted, StatusFailed},
}

// tracker holds the state of every phase in the current run. Parallel
// group members transition from job goroutines.
type tracker struct {
	mu     sync.Mutex
	states map[string]PhaseStatus
}

func newTracker(ids []string) *tracker {
	t := &tracker{states: make(map[string]PhaseStatus, len(ids))}
	for _, id := range ids {
		t.states[id] = StatusPending
	}
	return t
}

func (t *tracker) transition(id string, to PhaseStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	from, ok := t.states[id]
	if !ok {
		return fmt.Errorf("orchestrator: unknown phase %q", id)
	}
	for _, allowed := range legal[from] {
		if allowed == to {
			t.states[id] = to
			return nil
		}
	}
	return fmt.Errorf("orchestrator: phase %q cannot go from %s to %s", id, from, to)
}

func (t *tracker) status(id string) PhaseStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[id]
}
