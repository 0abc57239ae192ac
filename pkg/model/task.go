package model

import (
	"context"
	"fmt"
	"time"

	"github.com/htgrid/htgrid/pkg/store"
)

// KindTask is the document kind of Task records.
const KindTask = "task"

// Task is a higher-level workflow composed of one or more jobs, with its own
// domain state machine. Tasks are retained forever as an audit trail.
type Task struct {
	store.Meta

	Title string `json:"title"`

	// Workflow is the registry tag naming the task's state machine, e.g.
	// "ghessian". It replaces the original free-form class-name dispatch.
	Workflow string `json:"workflow"`

	// Children is the append-only, ordered list of child job ids.
	Children []string `json:"children"`

	// State is the workflow-specific state, owned by the state machine.
	State string `json:"state"`

	// Transition is the generic meta-status the scheduler keys on.
	Transition Transition `json:"transition"`

	// UserData is workflow scratch space (iteration counters, entered-state
	// flags). Decoded into typed structs by the workflow via mapstructure.
	UserData map[string]any `json:"user_data,omitempty"`

	// ResultData holds the workflow output, e.g. the assembled Hessian.
	ResultData map[string]any `json:"result_data,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	LastRunAt    time.Time `json:"last_run_at,omitempty"`
}

// The status index column carries the meta-transition so the scheduler can
// scan for steppable tasks.
func (t *Task) StatusKey() string { return string(t.Transition) }

// NewTask builds an unsaved task in hold.
func NewTask(author, title, workflow string) (*Task, error) {
	if workflow == "" {
		return nil, &ValidationError{Field: "workflow", Msg: "a task needs a workflow tag"}
	}
	return &Task{
		Meta:       store.Meta{ID: store.NewID(), Kind: KindTask, Author: author},
		Title:      title,
		Workflow:   workflow,
		Transition: TransitionHold,
		UserData:   map[string]any{},
		ResultData: map[string]any{},
	}, nil
}

// AddChild appends a job id to the task's ordered child list. Idempotent;
// the list is append-only by construction.
func (t *Task) AddChild(jobID string) bool {
	if containsID(t.Children, jobID) {
		return false
	}
	t.Children = append(t.Children, jobID)
	return true
}

// Done reports whether the task will never be stepped again.
func (t *Task) Done() bool {
	return t.Transition.Terminal()
}

// LoadTask reads a task document.
func LoadTask(ctx context.Context, st *store.Store, id string) (*Task, error) {
	var t Task
	if err := st.Load(ctx, id, &t); err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	return &t, nil
}
