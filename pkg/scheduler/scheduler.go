// Package scheduler is the polling engine that moves runs through their
// lifecycle and steps live tasks. Each pass advances every non-terminal
// run by at most one transition, dispatched through a per-status handler
// table, then steps each steppable task once under an advisory lease.
// A failure in one run or task never blocks the rest of the pass.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/htgrid/htgrid/pkg/batch"
	"github.com/htgrid/htgrid/pkg/journal"
	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

type Options struct {
	// PollLimit caps the runs handled per pass. Zero means no cap.
	PollLimit int
	// Rate bounds remote batch-system queries per second. Zero disables
	// limiting.
	Rate rate.Limit
	// Burst for the rate limiter; defaults to 1 when Rate is set.
	Burst int
	// LeaseOwner identifies this scheduler instance in task leases.
	LeaseOwner string
	// LeaseTTL bounds how long a crashed instance blocks a task.
	LeaseTTL time.Duration
	// Journal records every applied transition. Nil disables journaling.
	Journal journal.Writer
}

// Stats summarizes one pass.
type Stats struct {
	RunsSeen     int
	RunsAdvanced int
	RunsFailed   int
	RunConflicts int
	TasksStepped int
	TasksErrored int
}

type runHandler func(ctx context.Context, r *model.Run) error

type Scheduler struct {
	st       *store.Store
	client   batch.Client
	log      *zap.Logger
	limiter  *rate.Limiter
	journal  journal.Writer
	opts     Options
	handlers map[model.RunStatus]runHandler
}

func New(st *store.Store, client batch.Client, log *zap.Logger, opts Options) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.LeaseOwner == "" {
		opts.LeaseOwner = "scheduler-" + store.NewID()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 5 * time.Minute
	}
	var limiter *rate.Limiter
	if opts.Rate > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(opts.Rate, burst)
	}
	jw := opts.Journal
	if jw == nil {
		jw = journal.Nop{}
	}
	s := &Scheduler{st: st, client: client, log: log, limiter: limiter, journal: jw, opts: opts}
	s.handlers = map[model.RunStatus]runHandler{
		model.RunHold:       s.handleHold,
		model.RunReady:      s.handleReady,
		model.RunRunning:    s.handleRunning,
		model.RunFinished:   s.handleFinished,
		model.RunRetrieving: s.handleRetrieving,
		model.RunUnreachable: func(_ context.Context, r *model.Run) error {
			// Operator notification is the log line; the run now retries its
			// failed query every pass until credentials come back.
			s.log.Warn("run unreachable, operator attention needed",
				zap.String("run_id", r.ID),
				zap.String("error", r.ErrorMessage))
			return r.SetStatus(model.RunNotified)
		},
		model.RunNotified: s.handleNotified,
	}
	return s
}

// RunOnce executes a single scheduler pass: runs first, then tasks.
func (s *Scheduler) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.passRuns(ctx, &stats); err != nil {
		return stats, err
	}
	if err := s.passTasks(ctx, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// Loop runs passes on a fixed tick until the context ends.
func (s *Scheduler) Loop(ctx context.Context, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		stats, err := s.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("scheduler pass failed", zap.Error(err))
		} else {
			s.log.Debug("scheduler pass",
				zap.Int("runs_seen", stats.RunsSeen),
				zap.Int("runs_advanced", stats.RunsAdvanced),
				zap.Int("tasks_stepped", stats.TasksStepped))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) passRuns(ctx context.Context, stats *Stats) error {
	ids, err := s.st.IDsByKindExcludingStatus(ctx, model.KindRun, model.TerminalRunStatuses()...)
	if err != nil {
		return fmt.Errorf("scan live runs: %w", err)
	}
	if s.opts.PollLimit > 0 && len(ids) > s.opts.PollLimit {
		ids = ids[:s.opts.PollLimit]
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.RunsSeen++
		s.processRun(ctx, id, stats)
	}
	return nil
}

// processRun advances one run by one transition. Handler errors are
// classified here: credential or connectivity trouble parks the run as
// unreachable, anything else is a terminal failure. Either way the pass
// continues with the next run.
func (s *Scheduler) processRun(ctx context.Context, id string, stats *Stats) {
	r, err := model.LoadRun(ctx, s.st, id)
	if err != nil {
		s.log.Error("load run", zap.String("run_id", id), zap.Error(err))
		return
	}
	handler, ok := s.handlers[r.Status]
	if !ok {
		return
	}

	before := r.Status
	if err := handler(ctx, r); err != nil {
		if batch.IsAuthError(err) {
			if r.Status != model.RunUnreachable {
				r.ErrorMessage = err.Error()
				if serr := r.SetStatus(model.RunUnreachable); serr != nil {
					s.log.Error("park unreachable", zap.String("run_id", r.ID), zap.Error(serr))
					return
				}
			}
		} else {
			r.Fail(err.Error())
			stats.RunsFailed++
			s.log.Warn("run failed",
				zap.String("run_id", r.ID),
				zap.String("was", string(before)),
				zap.Error(err))
		}
	}

	if r.Status == before && r.ErrorMessage == "" {
		return
	}
	if err := s.st.Save(ctx, r); err != nil {
		// A rev conflict means another instance already advanced this run.
		if errors.Is(err, store.ErrRevConflict) {
			stats.RunConflicts++
			return
		}
		s.log.Error("save run", zap.String("run_id", r.ID), zap.Error(err))
		return
	}
	if r.Status != before {
		stats.RunsAdvanced++
		s.log.Info("run transition",
			zap.String("run_id", r.ID),
			zap.String("from", string(before)),
			zap.String("to", string(r.Status)))
		if err := s.journal.WriteRun(&journal.RunRecord{
			RunID: r.ID,
			From:  string(before),
			To:    string(r.Status),
			Error: r.ErrorMessage,
		}); err != nil {
			s.log.Warn("journal run transition", zap.String("run_id", r.ID), zap.Error(err))
		}
	}
}

// handleHold checks that every input file is staged as an attachment and
// releases the run for submission.
func (s *Scheduler) handleHold(ctx context.Context, r *model.Run) error {
	staged, err := s.st.ListAttachments(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("list staged inputs: %w", err)
	}
	have := make(map[string]bool, len(staged))
	for _, name := range staged {
		have[name] = true
	}
	for name := range r.FilesToRun {
		if !have[name] {
			// Still staging; try again next pass.
			return nil
		}
	}
	return r.SetStatus(model.RunReady)
}

// handleReady submits the run to the batch system.
func (s *Scheduler) handleReady(ctx context.Context, r *model.Run) error {
	inputs := make(map[string][]byte, len(r.FilesToRun))
	for name := range r.FilesToRun {
		body, _, err := s.st.GetAttachment(ctx, r.ID, name)
		if err != nil {
			return fmt.Errorf("read staged input %s: %w", name, err)
		}
		inputs[name] = body
	}
	if err := s.waitQuota(ctx); err != nil {
		return err
	}
	handle, err := s.client.Submit(ctx, batch.SubmitRequest{
		Name:          r.ID,
		AppTag:        r.Params.AppTag,
		Resource:      r.Params.Resource,
		Cores:         r.Params.Cores,
		MemoryGB:      r.Params.MemoryGB,
		WalltimeHours: r.Params.WalltimeHours,
		InputFiles:    inputs,
	})
	if err != nil {
		return err
	}
	r.RemoteHandle = handle
	r.SubmitCount++
	return r.SetStatus(model.RunRunning)
}

// handleRunning polls the remote status.
func (s *Scheduler) handleRunning(ctx context.Context, r *model.Run) error {
	if err := s.waitQuota(ctx); err != nil {
		return err
	}
	st, err := s.client.Status(ctx, r.RemoteHandle)
	if err != nil {
		return err
	}
	switch st {
	case batch.StatusQueued, batch.StatusRunning:
		return nil
	case batch.StatusFinished:
		return r.SetStatus(model.RunFinished)
	case batch.StatusFailed:
		return fmt.Errorf("remote job %s failed", r.RemoteHandle)
	default:
		return fmt.Errorf("remote job %s reported unknown status %q", r.RemoteHandle, st)
	}
}

func (s *Scheduler) handleFinished(_ context.Context, r *model.Run) error {
	return r.SetStatus(model.RunRetrieving)
}

// handleRetrieving fetches outputs, attaches them to the run, and closes
// it out.
func (s *Scheduler) handleRetrieving(ctx context.Context, r *model.Run) error {
	if err := s.waitQuota(ctx); err != nil {
		return err
	}
	outputs, err := s.client.Fetch(ctx, r.RemoteHandle)
	if err != nil {
		return err
	}
	for name, body := range outputs {
		// Inputs came back with the scratch dir; only store what's new.
		if _, staged := r.FilesToRun[name]; staged {
			continue
		}
		if err := s.st.PutAttachment(ctx, r.ID, name, "", body); err != nil {
			return fmt.Errorf("store output %s: %w", name, err)
		}
	}
	return r.SetStatus(model.RunDone)
}

// handleNotified retries the query that failed. Success resumes the normal
// lifecycle; another auth failure stays parked, with no retry bound.
func (s *Scheduler) handleNotified(ctx context.Context, r *model.Run) error {
	if r.RemoteHandle == "" {
		// Auth failed at submit time; go around through ready for a fresh
		// submission attempt.
		r.ErrorMessage = ""
		return r.SetStatus(model.RunReady)
	}
	if err := s.waitQuota(ctx); err != nil {
		return err
	}
	if _, err := s.client.Status(ctx, r.RemoteHandle); err != nil {
		if batch.IsAuthError(err) {
			return nil // still parked
		}
		return err
	}
	r.ErrorMessage = ""
	return r.SetStatus(model.RunRunning)
}

func (s *Scheduler) waitQuota(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}
