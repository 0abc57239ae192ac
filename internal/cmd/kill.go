package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/htgrid/htgrid/pkg/machine"
	"github.com/htgrid/htgrid/pkg/model"
)

var killCmd = &cobra.Command{
	Use:   "kill <id>",
	Short: "Kill a job or task",
	Long: `Kill a running job or task.

Killing a task routes it into its workflow's kill state; the scheduler
then cancels every child job still holding a remote allocation. Killing
a job cancels its run directly.

Examples:
  htgrid kill 1f8c...`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if task, err := model.LoadTask(ctx, st, id); err == nil && task.Kind == model.KindTask {
		m, err := machine.New(task.Workflow, machine.Deps{Store: st, Batch: batchClient()})
		if err != nil {
			return err
		}
		if err := m.Kill(task); err != nil {
			return err
		}
		if err := st.Save(ctx, task); err != nil {
			return err
		}
		fmt.Printf("task %s routed to kill state\n", task.ID)
		return nil
	}

	job, err := model.LoadJob(ctx, st, id)
	if err != nil || job.Kind != model.KindJob {
		return fmt.Errorf("no job or task with id %s", id)
	}
	run, err := model.LoadRun(ctx, st, job.RunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s already %s", run.ID, run.Status)
	}
	if run.RemoteHandle != "" {
		if err := batchClient().Cancel(ctx, run.RemoteHandle); err != nil {
			return fmt.Errorf("cancel remote job: %w", err)
		}
	}
	if err := run.SetStatus(model.RunKilled); err != nil {
		return err
	}
	if err := st.Save(ctx, run); err != nil {
		return err
	}
	fmt.Printf("job %s killed (run %s)\n", job.ID, run.ID)
	return nil
}
