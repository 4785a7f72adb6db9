// Package events carries the per-run event feed from the orchestrator to any
// number of observers.
package events

// Event types, in the wire's type discriminator values.
const (
	TypeStarted  = "started"
	TypeLog      = "log"
	TypeProgress = "progress"
	TypeFinished = "finished"
	TypeFailed   = "failed"
)

// Event is one tagged run event. Fields irrelevant to a type are omitted on
// the wire.
type Event struct {
	Type      string  `json:"type"`
	RunID     string  `json:"run_id"`
	Total     int64   `json:"total,omitempty"`
	Msg       string  `json:"msg,omitempty"`
	Done      int64   `json:"done,omitempty"`
	CostSoFar float64 `json:"cost_so_far,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Terminal reports whether the event ends the run.
func (e Event) Terminal() bool {
	return e.Type == TypeFinished || e.Type == TypeFailed
}

// Started announces a run and its target count.
func Started(runID string, total int64) Event {
	return Event{Type: TypeStarted, RunID: runID, Total: total}
}

// Log carries an operator-facing message.
func Log(runID, msg string) Event {
	return Event{Type: TypeLog, RunID: runID, Msg: msg}
}

// Progress reports accepted images and accrued cost.
func Progress(runID string, done, total int64, cost float64) Event {
	return Event{Type: TypeProgress, RunID: runID, Done: done, Total: total, CostSoFar: cost}
}

// Finished marks a successful run.
func Finished(runID string) Event {
	return Event{Type: TypeFinished, RunID: runID}
}

// Failed marks a fatally failed run.
func Failed(runID, reason string) Event {
	return Event{Type: TypeFailed, RunID: runID, Error: reason}
}
