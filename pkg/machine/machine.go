// Package machine drives tasks through workflow-specific state machines.
// A workflow registers a Definition keyed by its tag; the scheduler binds
// that definition to its dependencies and steps each live task one state
// transition per pass.
package machine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/htgrid/htgrid/pkg/batch"
	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

// Deps carries everything a state hook may need. Hooks receive it rather
// than capturing globals so tests can swap in fakes.
type Deps struct {
	Store *store.Store
	Batch batch.Client
	Log   *zap.Logger
}

// Outcome is what a state's main hook decides: move to Next, or stay put
// when Next is empty, and optionally declare the whole task finished.
type Outcome struct {
	Next string
	Done bool
}

// Stay keeps the task in its current state until a later pass.
var Stay = Outcome{}

// Hooks are the callbacks of one state. OnMain is required; OnEnter and
// OnLeave run on the edges of a state change.
type Hooks struct {
	OnEnter func(ctx context.Context, d Deps, t *model.Task) error
	OnMain  func(ctx context.Context, d Deps, t *model.Task) (Outcome, error)
	OnLeave func(ctx context.Context, d Deps, t *model.Task) error
}

// Definition is a workflow's state table. Kill names the state a killed
// task is forced into; its hooks do the teardown (cancelling children)
// before reporting Done.
type Definition struct {
	Start  string
	Kill   string
	States map[string]Hooks
}

func (d Definition) validate(tag string) error {
	if _, ok := d.States[d.Start]; !ok {
		return fmt.Errorf("workflow %q: start state %q not defined", tag, d.Start)
	}
	if d.Kill != "" {
		if _, ok := d.States[d.Kill]; !ok {
			return fmt.Errorf("workflow %q: kill state %q not defined", tag, d.Kill)
		}
	}
	for name, h := range d.States {
		if h.OnMain == nil {
			return fmt.Errorf("workflow %q: state %q has no main hook", tag, name)
		}
	}
	return nil
}

// ChildError reports a child job whose run ended in error; workflows
// surface it from waiting states so the task parks as errored instead of
// polling a dead child forever.
type ChildError struct {
	JobID   string
	Message string
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("child job %s failed: %s", e.JobID, e.Message)
}

var workflows = map[string]Definition{}

// Register installs a workflow definition under its tag. Panics on a
// malformed definition; registration happens from init functions where a
// panic is the right failure mode.
func Register(tag string, def Definition) {
	if err := def.validate(tag); err != nil {
		panic(err)
	}
	workflows[tag] = def
}

// Lookup returns the definition registered under tag.
func Lookup(tag string) (Definition, error) {
	def, ok := workflows[tag]
	if !ok {
		return Definition{}, fmt.Errorf("no workflow registered for tag %q", tag)
	}
	return def, nil
}

// Machine binds one workflow definition to live dependencies.
type Machine struct {
	def  Definition
	deps Deps
}

func New(tag string, deps Deps) (*Machine, error) {
	def, err := Lookup(tag)
	if err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Machine{def: def, deps: deps}, nil
}

// Steppable reports whether Step would do anything for this task.
func Steppable(t *model.Task) bool {
	switch t.Transition {
	case model.TransitionHold, model.TransitionRunning, model.TransitionPaused:
		return true
	}
	return false
}

// Step advances the task by at most one state transition. It mutates the
// task in memory only; the caller persists. A hook error parks the task
// with TransitionError and the message recorded, and is returned. A hook
// panic parks the task the same way, with the stack captured, so one bad
// workflow cannot take down the scheduler pass.
func (m *Machine) Step(ctx context.Context, t *model.Task) (err error) {
	if !Steppable(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			t.Transition = model.TransitionError
			t.ErrorMessage = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
			err = fmt.Errorf("task %s: hook panicked in state %q: %v", t.ID, t.State, r)
			m.deps.Log.Error("task hook panicked",
				zap.String("task_id", t.ID),
				zap.String("state", t.State),
				zap.Any("panic", r))
		}
	}()
	if t.Transition == model.TransitionHold || t.Transition == model.TransitionPaused {
		t.Transition = model.TransitionRunning
	}
	if t.State == "" {
		start := m.def.States[m.def.Start]
		if start.OnEnter != nil {
			if err := start.OnEnter(ctx, m.deps, t); err != nil {
				t.Transition = model.TransitionError
				t.ErrorMessage = err.Error()
				return err
			}
		}
		t.State = m.def.Start
	}
	t.LastRunAt = time.Now().UTC()

	cur := t.State
	hooks, ok := m.def.States[cur]
	if !ok {
		t.Transition = model.TransitionError
		t.ErrorMessage = fmt.Sprintf("task in unknown state %q", cur)
		return fmt.Errorf("task %s: unknown state %q", t.ID, cur)
	}

	out, err := hooks.OnMain(ctx, m.deps, t)
	if err != nil {
		t.Transition = model.TransitionError
		t.ErrorMessage = err.Error()
		m.deps.Log.Warn("task step failed",
			zap.String("task_id", t.ID),
			zap.String("state", cur),
			zap.Error(err))
		return err
	}

	if out.Next != "" && out.Next != cur {
		if hooks.OnLeave != nil {
			if err := hooks.OnLeave(ctx, m.deps, t); err != nil {
				t.Transition = model.TransitionError
				t.ErrorMessage = err.Error()
				return err
			}
		}
		next, ok := m.def.States[out.Next]
		if !ok {
			t.Transition = model.TransitionError
			t.ErrorMessage = fmt.Sprintf("transition to unknown state %q", out.Next)
			return fmt.Errorf("task %s: state %q names unknown successor %q", t.ID, cur, out.Next)
		}
		// Enter the successor before committing the state change, so a
		// failed OnEnter leaves the task in its old state and the hook
		// runs again on retry.
		if next.OnEnter != nil {
			if err := next.OnEnter(ctx, m.deps, t); err != nil {
				t.Transition = model.TransitionError
				t.ErrorMessage = err.Error()
				return err
			}
		}
		t.State = out.Next
		m.deps.Log.Debug("task state change",
			zap.String("task_id", t.ID),
			zap.String("from", cur),
			zap.String("to", out.Next))
	}

	if out.Done {
		if t.State == m.def.Kill {
			t.Transition = model.TransitionKilled
		} else {
			t.Transition = model.TransitionComplete
		}
	}
	return nil
}

// Run steps the task until it stops making progress: the task goes
// terminal, or a step leaves both state and transition unchanged (the
// task is waiting on children). Used by tests and the one-shot CLI path;
// the scheduler prefers single Steps.
func (m *Machine) Run(ctx context.Context, t *model.Task) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		prevState, prevTransition := t.State, t.Transition
		if err := m.Step(ctx, t); err != nil {
			return err
		}
		if t.Transition.Terminal() {
			return nil
		}
		if t.State == prevState && t.Transition == prevTransition {
			return nil
		}
	}
}

// Retry moves an errored task back to paused so the scheduler picks it up
// again. The workflow state is left untouched; the task resumes where it
// failed.
func Retry(t *model.Task) error {
	if t.Transition != model.TransitionError {
		return fmt.Errorf("task %s is %s, only errored tasks can be retried", t.ID, t.Transition)
	}
	t.Transition = model.TransitionPaused
	t.ErrorMessage = ""
	return nil
}

// Kill forces the task into the workflow's kill state. The next scheduler
// pass runs that state's teardown. Terminal tasks cannot be killed.
func (m *Machine) Kill(t *model.Task) error {
	if t.Transition.Terminal() {
		return fmt.Errorf("task %s is already %s", t.ID, t.Transition)
	}
	if m.def.Kill == "" {
		return fmt.Errorf("workflow %q does not support kill", t.Workflow)
	}
	t.State = m.def.Kill
	t.Transition = model.TransitionPaused
	return nil
}
