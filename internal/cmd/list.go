package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/htgrid/htgrid/pkg/model"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs or tasks",
	Long: `List tracked jobs or tasks, optionally filtered by status.

For jobs the status is the backing run's lifecycle state (hold, ready,
running, finished, retrieving, done, error, killed, unreachable,
notified). For tasks it is the meta-transition (hold, running, paused,
complete, error, killed).

Examples:
  htgrid list jobs
  htgrid list jobs --status running
  htgrid list tasks --status error
  htgrid list tasks --json`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"jobs", "tasks"},
	RunE:      runList,
}

var (
	listStatus string
	listJSON   bool
)

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "Filter by status")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output as JSON")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	switch args[0] {
	case "tasks":
		var ids []string
		if listStatus != "" {
			ids, err = st.IDsByKindStatus(ctx, model.KindTask, listStatus)
		} else {
			ids, err = st.IDsByKind(ctx, model.KindTask)
		}
		if err != nil {
			return err
		}
		tasks := make([]*model.Task, 0, len(ids))
		for _, id := range ids {
			t, err := model.LoadTask(ctx, st, id)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		if listJSON {
			return printJSON(tasks)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tWORKFLOW\tSTATE\tTRANSITION\tCHILDREN")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				t.ID, t.Title, t.Workflow, t.State, t.Transition, len(t.Children))
		}
		return w.Flush()

	case "jobs":
		ids, err := st.IDsByKind(ctx, model.KindJob)
		if err != nil {
			return err
		}
		type row struct {
			Job    *model.Job      `json:"job"`
			Status model.RunStatus `json:"status"`
		}
		rows := make([]row, 0, len(ids))
		for _, id := range ids {
			j, err := model.LoadJob(ctx, st, id)
			if err != nil {
				return err
			}
			status, err := j.Status(ctx, st)
			if err != nil {
				return err
			}
			if listStatus != "" && string(status) != listStatus {
				continue
			}
			rows = append(rows, row{Job: j, Status: status})
		}
		if listJSON {
			return printJSON(rows)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tRUN\tCREATED")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Job.ID, r.Job.Title, r.Status, r.Job.RunID,
				r.Job.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()

	default:
		return fmt.Errorf("unknown kind %q (want jobs or tasks)", args[0])
	}
}
