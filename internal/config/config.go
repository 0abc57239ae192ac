// Package config loads the htgrid configuration: defaults, then an
// optional YAML config file, then HTGRID_* environment variables, each
// layer overriding the last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	// Author is recorded on every document this instance creates.
	Author string `mapstructure:"author"`

	Store     Store     `mapstructure:"store"`
	Blobs     Blobs     `mapstructure:"blobs"`
	Batch     Batch     `mapstructure:"batch"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Server    Server    `mapstructure:"server"`
	Logging   Logging   `mapstructure:"logging"`
}

type Store struct {
	// Path is the SQLite database file.
	Path string `mapstructure:"path"`
}

type Blobs struct {
	// Backend selects where attachment bodies live: "sqlite" or "s3".
	Backend        string `mapstructure:"backend"`
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type Batch struct {
	// Scratch is the root for per-job scratch directories.
	Scratch string `mapstructure:"scratch"`
	// Partition is the default SLURM partition.
	Partition string `mapstructure:"partition"`
	// SubmitRetries bounds sbatch retry attempts.
	SubmitRetries int `mapstructure:"submit_retries"`
}

type Scheduler struct {
	Tick      time.Duration `mapstructure:"tick"`
	PollLimit int           `mapstructure:"poll_limit"`
	// Rate caps remote batch queries per second. Zero disables the cap.
	Rate     float64       `mapstructure:"rate"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// Journal is a JSONL file every applied transition is appended to.
	// Empty disables the journal.
	Journal string `mapstructure:"journal"`
}

type Server struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type Logging struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is "json" or "console".
	Format string `mapstructure:"format"`
}

// Load reads configuration. path names an explicit config file; empty
// means search the working directory and ~/.config/htgrid for
// htgrid.yaml, and proceed on defaults when none exists.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HTGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("htgrid")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "htgrid"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	author := os.Getenv("USER")
	if author == "" {
		author = "htgrid"
	}
	v.SetDefault("author", author)

	v.SetDefault("store.path", defaultStorePath())
	v.SetDefault("blobs.backend", "sqlite")
	// Keys without meaningful defaults still need registering, or env-only
	// overrides never reach Unmarshal.
	for _, key := range []string{
		"blobs.bucket", "blobs.prefix", "blobs.region", "blobs.endpoint",
		"blobs.profile", "batch.partition", "scheduler.journal",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("blobs.force_path_style", false)
	v.SetDefault("batch.scratch", filepath.Join(os.TempDir(), "htgrid-scratch"))
	v.SetDefault("batch.submit_retries", 5)
	v.SetDefault("scheduler.tick", 5*time.Second)
	v.SetDefault("scheduler.poll_limit", 0)
	v.SetDefault("scheduler.rate", 10.0)
	v.SetDefault("scheduler.lease_ttl", 5*time.Minute)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "htgrid.db"
	}
	return filepath.Join(home, ".local", "share", "htgrid", "htgrid.db")
}

func (c *Config) validate() error {
	switch c.Blobs.Backend {
	case "sqlite":
	case "s3":
		if c.Blobs.Bucket == "" {
			return fmt.Errorf("blobs.backend is s3 but blobs.bucket is empty")
		}
	default:
		return fmt.Errorf("unknown blobs.backend %q (want sqlite or s3)", c.Blobs.Backend)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown logging.format %q (want json or console)", c.Logging.Format)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive")
	}
	return nil
}
