// Package observability builds the process-wide zap loggers.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger command handlers use. It defaults to a no-op
// so tests that never call Init stay quiet.
var CLILogger = zap.NewNop()

// Init builds the process logger from config and installs it as
// CLILogger and the zap global.
func Init(level, format string) (*zap.Logger, error) {
	log, err := New(level, format)
	if err != nil {
		return nil, err
	}
	CLILogger = log
	zap.ReplaceGlobals(log)
	return log, nil
}

// New builds a logger. format is "json" for structured production output
// or "console" for human-readable development output.
func New(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
	case "json", "":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("bad log format %q (want json or console)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	log, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}
