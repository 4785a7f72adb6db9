// Package run owns the run lifecycle: one orchestrator drives the
// generator → rewriter → provider → deduper → store → event-bus pipeline
// under bounded concurrency and a token-bucket admission rate.
package run

import (
	"errors"
	"sync"
	"time"

	"github.com/adgen-dev/adgen/internal/events"
)

// Construction-time failures the CLI maps to distinct exit codes.
var (
	// ErrCredentialMissing means the provider's API key env var is unset.
	ErrCredentialMissing = errors.New("provider credential missing")
	// ErrOutDirUnwritable means the output directory cannot be written.
	ErrOutDirUnwritable = errors.New("output directory not writable")
	// ErrRunActive means a non-terminal run already holds the slot.
	ErrRunActive = errors.New("a run is already in progress")
)

// State is the run lifecycle state.
type State int

const (
	// Pending: constructed, not yet started.
	Pending State = iota
	// Running: the worker pool is active.
	Running
	// Finished: accepted reached the target.
	Finished
	// Failed: a fatal condition ended the run early.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Run is the observable state of one orchestration.
type Run struct {
	ID        string
	StartedAt time.Time
	Target    int64
	Bus       *events.Bus

	mu        sync.Mutex
	state     State
	reason    string
	accepted  int64
	attempted int64
	cost      float64
}

// Status is a point-in-time snapshot for the API.
type Status struct {
	RunID     string    `json:"run_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Target    int64     `json:"total_target"`
	Accepted  int64     `json:"accepted"`
	Attempted int64     `json:"attempted"`
	CostSoFar float64   `json:"cost_so_far"`
}

// Snapshot returns the current status.
func (r *Run) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Status{
		RunID:     r.ID,
		State:     r.state.String(),
		Reason:    r.reason,
		StartedAt: r.StartedAt,
		Target:    r.Target,
		Accepted:  r.accepted,
		Attempted: r.attempted,
		CostSoFar: r.cost,
	}
}

// Terminal reports whether the run has ended.
func (r *Run) Terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == Finished || r.state == Failed
}

// State returns the current lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// FailureReason returns the reason for a failed run, empty otherwise.
func (r *Run) FailureReason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason
}

// Accepted returns the number of accepted images so far.
func (r *Run) Accepted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// CostSoFar returns the accrued provider cost, including responses later
// rejected by dedupe.
func (r *Run) CostSoFar() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cost
}

func (r *Run) setState(s State, reason string) {
	r.mu.Lock()
	r.state = s
	r.reason = reason
	r.mu.Unlock()
}

func (r *Run) incAttempted() {
	r.mu.Lock()
	r.attempted++
	r.mu.Unlock()
}

// addCost accrues provider cost and returns the new total.
func (r *Run) addCost(c float64) float64 {
	r.mu.Lock()
	r.cost += c
	total := r.cost
	r.mu.Unlock()
	return total
}

// incAccepted bumps the accepted count and returns it.
func (r *Run) incAccepted() int64 {
	r.mu.Lock()
	r.accepted++
	n := r.accepted
	r.mu.Unlock()
	return n
}
