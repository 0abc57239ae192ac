package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

var infoCmd = &cobra.Command{
	Use:   "info <id>",
	Short: "Show a job, run, or task in detail",
	Long: `Show one document in detail. The id may name a job, a run, or a
task; the kind is detected from the stored document.

Examples:
  htgrid info 1f8c...
  htgrid info --json 1f8c...`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

var infoJSON bool

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "Output as JSON")
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if task, err := model.LoadTask(ctx, st, id); err == nil && task.Kind == model.KindTask {
		return printTask(ctx, st, task)
	}
	if job, err := model.LoadJob(ctx, st, id); err == nil && job.Kind == model.KindJob {
		return printJob(ctx, st, job)
	}
	run, err := model.LoadRun(ctx, st, id)
	if err != nil {
		return fmt.Errorf("no job, run, or task with id %s", id)
	}
	return printRun(ctx, st, run)
}

func printTask(ctx context.Context, st *store.Store, t *model.Task) error {
	if infoJSON {
		return printJSON(t)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Task:\t%s\n", t.ID)
	fmt.Fprintf(w, "Title:\t%s\n", t.Title)
	fmt.Fprintf(w, "Author:\t%s\n", t.Author)
	fmt.Fprintf(w, "Workflow:\t%s\n", t.Workflow)
	fmt.Fprintf(w, "State:\t%s\n", t.State)
	fmt.Fprintf(w, "Transition:\t%s\n", t.Transition)
	if t.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", t.ErrorMessage)
	}
	fmt.Fprintf(w, "Created:\t%s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if !t.LastRunAt.IsZero() {
		fmt.Fprintf(w, "Last step:\t%s\n", t.LastRunAt.Format("2006-01-02 15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(t.Children) > 0 {
		fmt.Println("\nChildren:")
		cw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(cw, "  N\tJOB\tTITLE\tSTATUS")
		for i, cid := range t.Children {
			title, status := "?", "?"
			if job, err := model.LoadJob(ctx, st, cid); err == nil {
				title = job.Title
				if s, err := job.Status(ctx, st); err == nil {
					status = string(s)
				}
			}
			fmt.Fprintf(cw, "  %d\t%s\t%s\t%s\n", i, cid, title, status)
		}
		if err := cw.Flush(); err != nil {
			return err
		}
	}

	if len(t.ResultData) > 0 {
		fmt.Println("\nResult:")
		body, err := json.MarshalIndent(t.ResultData, "  ", "  ")
		if err != nil {
			return err
		}
		fmt.Printf("  %s\n", body)
	}
	return nil
}

func printJob(ctx context.Context, st *store.Store, j *model.Job) error {
	if infoJSON {
		return printJSON(j)
	}
	run, err := model.LoadRun(ctx, st, j.RunID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", j.ID)
	fmt.Fprintf(w, "Title:\t%s\n", j.Title)
	fmt.Fprintf(w, "Author:\t%s\n", j.Author)
	fmt.Fprintf(w, "Run:\t%s\n", j.RunID)
	fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", run.ErrorMessage)
	}
	for name, hash := range j.InputFiles {
		fmt.Fprintf(w, "Input:\t%s (%.12s)\n", name, hash)
	}
	fmt.Fprintf(w, "Created:\t%s\n", j.CreatedAt.Format("2006-01-02 15:04:05"))
	return w.Flush()
}

func printRun(ctx context.Context, st *store.Store, r *model.Run) error {
	if infoJSON {
		return printJSON(r)
	}
	files, err := st.ListAttachments(ctx, r.ID)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", r.ID)
	fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	fmt.Fprintf(w, "Input hash:\t%.12s\n", r.InputHash)
	fmt.Fprintf(w, "Submits:\t%d\n", r.SubmitCount)
	if r.RemoteHandle != "" {
		fmt.Fprintf(w, "Remote handle:\t%s\n", r.RemoteHandle)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:\t%s\n", r.ErrorMessage)
	}
	for _, id := range r.OwnedBy {
		fmt.Fprintf(w, "Owned by:\t%s\n", id)
	}
	for _, name := range files {
		fmt.Fprintf(w, "File:\t%s\n", name)
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
