package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/htgrid/htgrid/internal/observability"
	"github.com/htgrid/htgrid/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only status API",
	Long: `Serve the HTTP status API: job, run, and task state for
dashboards and remote htgrid clients.

Examples:
  htgrid serve
  htgrid serve --config htgrid.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	srv := server.New(cfg.Server, st, observability.CLILogger, versionInfo.Version)
	return srv.Run(ctx)
}
