package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/htgrid/htgrid/pkg/machine"
	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

var retryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Retry a failed job or task",
	Long: `Retry a failed job or task.

A failed task resumes from the state it errored in; already-finished
child jobs are not redone. A failed job is superseded by a clone bound
to a fresh run with the same inputs; the original job and its failed
run stay behind as the audit record.

Examples:
  htgrid retry 1f8c...`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if task, err := model.LoadTask(ctx, st, id); err == nil && task.Kind == model.KindTask {
		if err := machine.Retry(task); err != nil {
			return err
		}
		if err := st.Save(ctx, task); err != nil {
			return err
		}
		fmt.Printf("task %s resumed in state %s\n", task.ID, task.State)
		return nil
	}

	job, err := model.LoadJob(ctx, st, id)
	if err != nil || job.Kind != model.KindJob {
		return fmt.Errorf("no job or task with id %s", id)
	}
	replacement, run, err := retryJob(ctx, st, job)
	if err != nil {
		return err
	}
	fmt.Printf("job %s superseded by job %s on run %s\n", job.ID, replacement.ID, run.ID)
	return nil
}

// retryJob supersedes a failed job with a clone bound to a fresh run.
// A job's run binding is immutable, so the original job and its failed
// run stay behind untouched as the audit record; the clone takes the
// original's place in the DAG and the inputs are restaged onto its run.
func retryJob(ctx context.Context, st *store.Store, job *model.Job) (*model.Job, *model.Run, error) {
	old, err := model.LoadRun(ctx, st, job.RunID)
	if err != nil {
		return nil, nil, err
	}
	if old.Status != model.RunError && old.Status != model.RunKilled {
		return nil, nil, fmt.Errorf("run %s is %s, only error or killed runs can be retried", old.ID, old.Status)
	}

	fresh := old.CloneForRetry()
	if err := st.Create(ctx, fresh); err != nil {
		return nil, nil, fmt.Errorf("create retry run: %w", err)
	}
	for name := range old.FilesToRun {
		body, contentType, err := st.GetAttachment(ctx, old.ID, name)
		if err != nil {
			return nil, nil, fmt.Errorf("restage input %s: %w", name, err)
		}
		if err := st.PutAttachment(ctx, fresh.ID, name, contentType, body); err != nil {
			return nil, nil, fmt.Errorf("restage input %s: %w", name, err)
		}
	}

	replacement := job.CloneForRetry()
	replacement.RunID = fresh.ID
	if err := st.Create(ctx, replacement); err != nil {
		return nil, nil, fmt.Errorf("create retry job: %w", err)
	}

	// Splice the clone into the DAG next to the original.
	for _, pid := range job.ParentIDs {
		parent, err := model.LoadJob(ctx, st, pid)
		if err != nil {
			return nil, nil, fmt.Errorf("relink parent %s: %w", pid, err)
		}
		if parent.AddChild(replacement.ID) {
			if err := st.Save(ctx, parent); err != nil {
				return nil, nil, fmt.Errorf("relink parent %s: %w", pid, err)
			}
		}
	}
	for _, cid := range job.ChildIDs {
		child, err := model.LoadJob(ctx, st, cid)
		if err != nil {
			return nil, nil, fmt.Errorf("relink child %s: %w", cid, err)
		}
		if child.AddParent(replacement.ID) {
			if err := st.Save(ctx, child); err != nil {
				return nil, nil, fmt.Errorf("relink child %s: %w", cid, err)
			}
		}
	}
	return replacement, fresh, nil
}
