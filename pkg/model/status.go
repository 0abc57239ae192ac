// Package model holds the persisted entities of the tracker: Jobs, Runs, and
// Tasks, plus their status taxonomies. It owns field validation, identity
// generation, and the content-addressed run dedup; everything stateful
// beyond that (submission, polling, workflow stepping) lives in the
// scheduler and machine packages.
package model

import "fmt"

// RunStatus is the lifecycle state of a Run.
//
// NOTE: These values are persisted in document bodies and the status index
// column; they are part of the stable on-disk contract.
type RunStatus string

const (
	// RunHold is the initial pre-submission state: the run exists but its
	// input attachments may still be staging.
	RunHold RunStatus = "hold"
	// RunReady means inputs are staged and the run awaits submission.
	RunReady RunStatus = "ready"
	// RunRunning means the remote batch system has accepted the job.
	RunRunning RunStatus = "running"
	// RunFinished means the remote reports completion; outputs not yet fetched.
	RunFinished RunStatus = "finished"
	// RunRetrieving means the output fetch is in progress.
	RunRetrieving RunStatus = "retrieving"
	// RunDone is the terminal success state.
	RunDone RunStatus = "done"
	// RunUnreachable flags a credential/connectivity failure awaiting
	// operator re-authentication.
	RunUnreachable RunStatus = "unreachable"
	// RunNotified means the operator was flagged; the failed query is
	// retried on every pass until it succeeds.
	RunNotified RunStatus = "notified"
	// RunError is the terminal failure state; requires explicit retry.
	RunError RunStatus = "error"
	// RunKilled is the terminal state of a cancelled run.
	RunKilled RunStatus = "killed"
)

// Terminal reports whether no further automatic transition occurs.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunDone, RunError, RunKilled:
		return true
	}
	return false
}

// TerminalRunStatuses lists every terminal status, for store-level scans.
func TerminalRunStatuses() []string {
	return []string{string(RunDone), string(RunError), string(RunKilled)}
}

// runEdges is the legal transition table. Error and killed are reachable
// from any non-terminal status and are not listed per-row.
var runEdges = map[RunStatus][]RunStatus{
	RunHold:        {RunReady},
	RunReady:       {RunRunning, RunUnreachable},
	RunRunning:     {RunRunning, RunFinished, RunUnreachable},
	RunFinished:    {RunRetrieving},
	RunRetrieving:  {RunDone},
	RunUnreachable: {RunNotified},
	// A recovered run resumes polling; one that failed at submit time goes
	// back through ready for a fresh submission.
	RunNotified: {RunNotified, RunRunning, RunReady},
}

// CanTransition reports whether from -> to is a legal scheduler transition.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == RunError || to == RunKilled {
		return true
	}
	for _, next := range runEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidStatusTransition is returned when a caller tries to move a Run
// along an edge the lifecycle does not allow (including any write to a
// terminal run). Enforced here at the application layer; the store itself
// has no schema for it.
type InvalidStatusTransition struct {
	RunID string
	From  RunStatus
	To    RunStatus
}

func (e *InvalidStatusTransition) Error() string {
	return fmt.Sprintf("run %s: invalid status transition %s -> %s", e.RunID, e.From, e.To)
}

// Transition is the generic meta-status of a Task, orthogonal to the
// workflow-specific state. It tells the scheduler whether the task still
// needs stepping.
type Transition string

const (
	TransitionHold     Transition = "hold"
	TransitionRunning  Transition = "running"
	TransitionPaused   Transition = "paused"
	TransitionError    Transition = "error"
	TransitionComplete Transition = "complete"
	TransitionKilled   Transition = "killed"
)

// Terminal reports whether the task will never be stepped again without an
// explicit operator retry.
func (t Transition) Terminal() bool {
	switch t {
	case TransitionComplete, TransitionError, TransitionKilled:
		return true
	}
	return false
}

// TerminalTransitions lists every terminal meta-status, for store scans.
func TerminalTransitions() []string {
	return []string{string(TransitionComplete), string(TransitionError), string(TransitionKilled)}
}
