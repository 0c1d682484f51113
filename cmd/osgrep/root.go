package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dshills/osgrep/internal/config"
	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/logging"
	"github.com/dshills/osgrep/internal/shutdown"
	"github.com/dshills/osgrep/internal/storage"
)

// defaultCLILogLevel keeps command output readable; OSGREP_LOG_LEVEL or
// --log-level raise it.
const defaultCLILogLevel = "warn"

type rootOptions struct {
	dir      string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "osgrep",
		Short: "Semantic code search over a local index",
		Long: `osgrep indexes the files of a project into a local vector store and
answers natural language searches over them.

The index lives in .osgrep/ at the project root. Linked git worktrees share the
index of their main repository.

Example usage:
  osgrep index                       # Index the current directory
  osgrep search "retry with backoff" # Search the index
  osgrep ask "how are tokens refreshed?"
  osgrep serve                       # Keep the index warm for fast searches`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate(fmt.Sprintf("osgrep {{.Version}}\nBuild Time: %s\nBuild Mode: %s\nSQLite Driver: %s\nVector Extension: %v\n",
		buildTime, storage.BuildMode, storage.DriverName, storage.VectorExtensionAvailable))

	cmd.PersistentFlags().StringVarP(&opts.dir, "dir", "C", "", "project directory (default is current directory)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	cmd.AddCommand(
		newIndexCmd(opts),
		newSearchCmd(opts),
		newAskCmd(opts),
		newStatusCmd(opts),
		newServeCmd(opts),
		newServersCmd(opts),
		newUnlockCmd(opts),
		newMCPCmd(opts),
	)
	return cmd
}

// projectDir is the directory commands operate on
func (o *rootOptions) projectDir() (string, error) {
	if o.dir != "" {
		return o.dir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	return wd, nil
}

// logger writes to stderr; stdout carries command output and the MCP
// transport
func (o *rootOptions) logger(cmd *cobra.Command) *slog.Logger {
	level := o.logLevel
	if level == "" {
		level = os.Getenv(config.EnvLogLevel)
	}
	if level == "" {
		level = defaultCLILogLevel
	}
	return logging.New(cmd.ErrOrStderr(), level)
}

func (o *rootOptions) openEngine(cmd *cobra.Command, dryRun bool) (*engine.Engine, *slog.Logger, error) {
	dir, err := o.projectDir()
	if err != nil {
		return nil, nil, err
	}
	logger := o.logger(cmd)
	e, err := engine.Open(cmd.Context(), engine.Options{
		StartDir: dir,
		DryRun:   dryRun,
		Logger:   logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return e, logger, nil
}

// closeEngine runs the shutdown sequence with a fresh deadline, since the
// command context may already be cancelled
func closeEngine(e *engine.Engine, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdown.DefaultTimeout)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}
