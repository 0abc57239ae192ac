// Package cmd wires the htgrid CLI: creating jobs and tasks, inspecting
// them, and running the scheduler and status API.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/htgrid/htgrid/internal/config"
	"github.com/htgrid/htgrid/internal/observability"
	"github.com/htgrid/htgrid/pkg/batch"
	"github.com/htgrid/htgrid/pkg/batch/slurm"
	"github.com/htgrid/htgrid/pkg/store"
	"github.com/htgrid/htgrid/pkg/store/s3blob"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo is called from main with ldflags-injected build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)",
		versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
}

var (
	cfgPath  string
	logLevel string

	// cfg is loaded once in the persistent pre-run and read by every verb.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "htgrid",
	Short: "Track computational jobs on remote batch resources",
	Long: `htgrid tracks long-running computational jobs through their full
lifecycle on remote batch resources: staging inputs, submitting, polling,
retrieving outputs, and driving multi-job workflows such as numerical
Hessian calculations.

State lives in a local SQLite database; the scheduler daemon moves jobs
and tasks forward one edge at a time, so a crash never loses more than
one transition.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		_, err = observability.Init(cfg.Logging.Level, cfg.Logging.Format)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default: ./htgrid.yaml, ~/.config/htgrid/htgrid.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug|info|warn|error)")
}

// Execute runs the CLI and returns the verb's error for main to report.
func Execute() error {
	return rootCmd.Execute()
}

// openStore opens the tracker database with the configured blob backend.
func openStore(ctx context.Context) (*store.Store, error) {
	sc := store.Config{Path: cfg.Store.Path}
	if cfg.Blobs.Backend == "s3" {
		blobs, err := s3blob.New(ctx, s3blob.Config{
			Bucket:         cfg.Blobs.Bucket,
			Prefix:         cfg.Blobs.Prefix,
			Region:         cfg.Blobs.Region,
			Endpoint:       cfg.Blobs.Endpoint,
			Profile:        cfg.Blobs.Profile,
			ForcePathStyle: cfg.Blobs.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 attachment backend: %w", err)
		}
		sc.Blobs = blobs
	}
	return store.Open(ctx, sc)
}

// batchClient builds the SLURM client from configuration.
func batchClient() batch.Client {
	return slurm.New(slurm.Config{
		Scratch:       cfg.Batch.Scratch,
		Partition:     cfg.Batch.Partition,
		SubmitRetries: cfg.Batch.SubmitRetries,
	})
}
