package machine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htgrid/htgrid/pkg/model"
)

func pass(next string) func(context.Context, Deps, *model.Task) (Outcome, error) {
	return func(context.Context, Deps, *model.Task) (Outcome, error) {
		return Outcome{Next: next}, nil
	}
}

func newTestMachine(t *testing.T, trace *[]string) *Machine {
	t.Helper()
	note := func(s string) func(context.Context, Deps, *model.Task) error {
		return func(context.Context, Deps, *model.Task) error {
			*trace = append(*trace, s)
			return nil
		}
	}
	Register("test-flow", Definition{
		Start: "PREP",
		Kill:  "KILL",
		States: map[string]Hooks{
			"PREP": {
				OnMain:  pass("WORK"),
				OnLeave: note("leave PREP"),
			},
			"WORK": {
				OnEnter: note("enter WORK"),
				OnMain: func(_ context.Context, _ Deps, t *model.Task) (Outcome, error) {
					if t.UserData["ready"] != true {
						return Stay, nil
					}
					return Outcome{Next: "FINAL"}, nil
				},
			},
			"FINAL": {
				OnMain: func(context.Context, Deps, *model.Task) (Outcome, error) {
					return Outcome{Done: true}, nil
				},
			},
			"BROKEN": {
				OnMain: func(context.Context, Deps, *model.Task) (Outcome, error) {
					return Stay, errors.New("gradient file missing")
				},
			},
			"KILL": {
				OnMain: func(context.Context, Deps, *model.Task) (Outcome, error) {
					return Outcome{Done: true}, nil
				},
			},
		},
	})
	m, err := New("test-flow", Deps{})
	require.NoError(t, err)
	return m
}

func newTestTask(t *testing.T) *model.Task {
	t.Helper()
	task, err := model.NewTask("alice", "demo", "test-flow")
	require.NoError(t, err)
	return task
}

func TestStepAdvancesOneState(t *testing.T) {
	var trace []string
	m := newTestMachine(t, &trace)
	task := newTestTask(t)
	ctx := context.Background()

	require.NoError(t, m.Step(ctx, task))
	assert.Equal(t, "WORK", task.State)
	assert.Equal(t, model.TransitionRunning, task.Transition)
	assert.Equal(t, []string{"leave PREP", "enter WORK"}, trace)
	assert.False(t, task.LastRunAt.IsZero())

	// Not ready yet: stays in WORK.
	require.NoError(t, m.Step(ctx, task))
	assert.Equal(t, "WORK", task.State)

	task.UserData["ready"] = true
	require.NoError(t, m.Step(ctx, task))
	assert.Equal(t, "FINAL", task.State)
	require.NoError(t, m.Step(ctx, task))
	assert.Equal(t, model.TransitionComplete, task.Transition)
}

func TestRunStopsWhenWaiting(t *testing.T) {
	var trace []string
	m := newTestMachine(t, &trace)
	task := newTestTask(t)

	require.NoError(t, m.Run(context.Background(), task))
	assert.Equal(t, "WORK", task.State)
	assert.Equal(t, model.TransitionRunning, task.Transition)

	task.UserData["ready"] = true
	require.NoError(t, m.Run(context.Background(), task))
	assert.Equal(t, model.TransitionComplete, task.Transition)
}

func TestStepParksOnHookError(t *testing.T) {
	var trace []string
	m := newTestMachine(t, &trace)
	task := newTestTask(t)
	task.State = "BROKEN"

	err := m.Step(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, model.TransitionError, task.Transition)
	assert.Equal(t, "gradient file missing", task.ErrorMessage)
	assert.Equal(t, "BROKEN", task.State)
	assert.False(t, Steppable(task))
}

func TestRetryResumesWhereItFailed(t *testing.T) {
	var trace []string
	m := newTestMachine(t, &trace)
	task := newTestTask(t)
	task.State = "BROKEN"
	require.Error(t, m.Step(context.Background(), task))

	require.NoError(t, Retry(task))
	assert.Equal(t, model.TransitionPaused, task.Transition)
	assert.Empty(t, task.ErrorMessage)
	assert.Equal(t, "BROKEN", task.State)
	assert.True(t, Steppable(task))
}

func TestRetryRejectsNonErroredTask(t *testing.T) {
	task := newTestTask(t)
	assert.Error(t, Retry(task))
}

func TestKillForcesTeardownState(t *testing.T) {
	var trace []string
	m := newTestMachine(t, &trace)
	task := newTestTask(t)
	require.NoError(t, m.Step(context.Background(), task))

	require.NoError(t, m.Kill(task))
	assert.Equal(t, "KILL", task.State)
	assert.Equal(t, model.TransitionPaused, task.Transition)

	require.NoError(t, m.Step(context.Background(), task))
	assert.Equal(t, model.TransitionKilled, task.Transition)

	// Killed is terminal.
	assert.Error(t, m.Kill(task))
}

func TestUnknownStateParksTask(t *testing.T) {
	var trace []string
	m := newTestMachine(t, &trace)
	task := newTestTask(t)
	task.State = "NOWHERE"

	require.Error(t, m.Step(context.Background(), task))
	assert.Equal(t, model.TransitionError, task.Transition)
}

func TestStepParksOnHookPanic(t *testing.T) {
	Register("panic-flow", Definition{
		Start: "WORK",
		States: map[string]Hooks{
			"WORK": {
				OnMain: func(context.Context, Deps, *model.Task) (Outcome, error) {
					var gradients []float64
					return Outcome{Next: "DONE"}, fmt.Errorf("g=%f", gradients[3])
				},
			},
			"DONE": {OnMain: pass("")},
		},
	})
	m, err := New("panic-flow", Deps{})
	require.NoError(t, err)
	task := newTestTask(t)

	err = m.Step(context.Background(), task)
	require.Error(t, err)
	assert.Equal(t, model.TransitionError, task.Transition)
	assert.Contains(t, task.ErrorMessage, "panic:")
	assert.Contains(t, task.ErrorMessage, "index out of range")
	assert.Contains(t, task.ErrorMessage, "machine_test.go", "stack trace recorded")
	assert.False(t, Steppable(task))

	// A panicked task is retryable like any other errored task.
	require.NoError(t, Retry(task))
	assert.True(t, Steppable(task))
}

func TestStartStateEnterHookFires(t *testing.T) {
	var trace []string
	note := func(s string) func(context.Context, Deps, *model.Task) error {
		return func(context.Context, Deps, *model.Task) error {
			trace = append(trace, s)
			return nil
		}
	}
	Register("staged-flow", Definition{
		Start: "SETUP",
		States: map[string]Hooks{
			"SETUP": {
				OnEnter: note("enter SETUP"),
				OnMain:  pass("RUN"),
			},
			"RUN": {
				OnEnter: note("enter RUN"),
				OnMain: func(context.Context, Deps, *model.Task) (Outcome, error) {
					return Outcome{Done: true}, nil
				},
			},
		},
	})
	m, err := New("staged-flow", Deps{})
	require.NoError(t, err)
	task := newTestTask(t)

	require.NoError(t, m.Run(context.Background(), task))
	assert.Equal(t, []string{"enter SETUP", "enter RUN"}, trace)
	assert.Equal(t, model.TransitionComplete, task.Transition)
}

func TestFailedEnterLeavesOldState(t *testing.T) {
	attempts := 0
	Register("flaky-enter", Definition{
		Start: "A",
		States: map[string]Hooks{
			"A": {OnMain: pass("B")},
			"B": {
				OnEnter: func(context.Context, Deps, *model.Task) error {
					attempts++
					if attempts == 1 {
						return errors.New("scratch dir unavailable")
					}
					return nil
				},
				OnMain: func(context.Context, Deps, *model.Task) (Outcome, error) {
					return Outcome{Done: true}, nil
				},
			},
		},
	})
	m, err := New("flaky-enter", Deps{})
	require.NoError(t, err)
	task := newTestTask(t)
	ctx := context.Background()

	require.Error(t, m.Step(ctx, task))
	assert.Equal(t, "A", task.State, "failed enter must not commit the move")
	assert.Equal(t, model.TransitionError, task.Transition)

	// Retrying repeats the transition, including the enter hook.
	require.NoError(t, Retry(task))
	require.NoError(t, m.Step(ctx, task))
	assert.Equal(t, "B", task.State)
	assert.Equal(t, 2, attempts)
}

func TestRegisterRejectsBadDefinitions(t *testing.T) {
	assert.Panics(t, func() {
		Register("bad-start", Definition{Start: "X", States: map[string]Hooks{}})
	})
	assert.Panics(t, func() {
		Register("no-main", Definition{
			Start:  "A",
			States: map[string]Hooks{"A": {}},
		})
	})
	_, err := New("never-registered", Deps{})
	assert.Error(t, err)
}
