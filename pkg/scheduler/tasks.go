package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/htgrid/htgrid/pkg/journal"
	"github.com/htgrid/htgrid/pkg/machine"
	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

// passTasks steps every steppable task once. Tasks are stepped under an
// advisory lease so concurrent scheduler instances never double-step; a
// held lease or a rev conflict just means someone else got there first.
func (s *Scheduler) passTasks(ctx context.Context, stats *Stats) error {
	ids, err := s.st.IDsByKindExcludingStatus(ctx, model.KindTask, model.TerminalTransitions()...)
	if err != nil {
		return fmt.Errorf("scan live tasks: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.stepTask(ctx, id, stats)
	}
	return nil
}

func (s *Scheduler) stepTask(ctx context.Context, id string, stats *Stats) {
	if err := s.st.AcquireLease(ctx, id, s.opts.LeaseOwner, s.opts.LeaseTTL); err != nil {
		if !errors.Is(err, store.ErrLeaseHeld) {
			s.log.Error("lease task", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	defer func() {
		if err := s.st.ReleaseLease(ctx, id, s.opts.LeaseOwner); err != nil {
			s.log.Warn("release task lease", zap.String("task_id", id), zap.Error(err))
		}
	}()

	t, err := model.LoadTask(ctx, s.st, id)
	if err != nil {
		s.log.Error("load task", zap.String("task_id", id), zap.Error(err))
		return
	}
	if !machine.Steppable(t) {
		return
	}

	m, err := machine.New(t.Workflow, machine.Deps{Store: s.st, Batch: s.client, Log: s.log})
	if err != nil {
		t.Transition = model.TransitionError
		t.ErrorMessage = err.Error()
		if serr := s.st.Save(ctx, t); serr != nil {
			s.log.Error("save task", zap.String("task_id", id), zap.Error(serr))
		}
		return
	}

	fromState := t.State
	if err := m.Step(ctx, t); err != nil {
		// The machine already parked the task; persist and move on.
		stats.TasksErrored++
	} else {
		stats.TasksStepped++
	}
	if err := s.st.Save(ctx, t); err != nil {
		if !errors.Is(err, store.ErrRevConflict) {
			s.log.Error("save task", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	if err := s.journal.WriteTask(&journal.TaskRecord{
		TaskID:     t.ID,
		Workflow:   t.Workflow,
		FromState:  fromState,
		ToState:    t.State,
		Transition: string(t.Transition),
		Error:      t.ErrorMessage,
	}); err != nil {
		s.log.Warn("journal task step", zap.String("task_id", t.ID), zap.Error(err))
	}
}
