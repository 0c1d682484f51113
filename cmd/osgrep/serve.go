package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/indexer"
	"github.com/dshills/osgrep/internal/project"
	"github.com/dshills/osgrep/internal/registry"
	"github.com/dshills/osgrep/internal/server"
)

type serveOptions struct {
	port    int
	noIndex bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve searches for this project over local HTTP",
		Long: `Start a daemon that keeps the project index open and answers search and ask
requests from the CLI. The index is brought up to date on start unless
--no-index is given.

The server binds to localhost and requires the bearer token recorded in
.osgrep/server.json.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "port to listen on, 0 picks a free one (default from config)")
	cmd.Flags().BoolVar(&opts.noIndex, "no-index", false, "do not index on start")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	e, logger, err := root.openEngine(cmd, false)
	if err != nil {
		return err
	}
	defer closeEngine(e, logger)

	paths := e.Paths()
	if lock, err := registry.LiveServer(paths.IndexDir); err == nil {
		return fmt.Errorf("a server is already running for %s on port %d (pid %d)", paths.Root, lock.Port, lock.PID)
	}

	cfg := e.Config()
	port := cfg.Server.Port
	if cmd.Flags().Changed("port") {
		port = opts.port
	}
	token := uuid.NewString()

	srv := server.New(e, server.Options{
		Host:      cfg.Server.Host,
		Port:      port,
		AuthToken: token,
		Logger:    logger,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	if err := publishServer(e, srv.Port(), token); err != nil {
		return err
	}

	ctx := cmd.Context()
	indexed := make(chan struct{})
	go func() {
		defer close(indexed)
		if opts.noIndex {
			return
		}
		initialIndex(ctx, e)
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "osgrep server for %s listening on http://%s:%d\n", paths.Root, cfg.Server.Host, srv.Port())
	err = srv.Serve(ctx)
	<-indexed
	return err
}

// publishServer records the server in the project's server lock and the
// per-user registry, and schedules both records for removal on shutdown
func publishServer(e *engine.Engine, port int, token string) error {
	paths := e.Paths()
	pid := os.Getpid()

	if err := registry.WriteServerLock(paths.IndexDir, registry.ServerLock{Port: port, PID: pid, AuthToken: token}); err != nil {
		return err
	}
	e.Shutdown().OnCleanup("clear server lock", func(context.Context) error {
		return registry.ClearServerLock(paths.IndexDir)
	})

	globalRoot, err := project.GlobalRoot()
	if err != nil {
		return err
	}
	reg := registry.New(globalRoot)
	if err := reg.Register(registry.Entry{Cwd: paths.Root, Port: port, PID: pid, AuthToken: token}); err != nil {
		return err
	}
	e.Shutdown().OnCleanup("unregister server", func(context.Context) error {
		return reg.Unregister(paths.Root)
	})
	return nil
}

func initialIndex(ctx context.Context, e *engine.Engine) {
	logger := e.Logger()
	stats, err := e.Index(ctx, engine.IndexOptions{})
	switch {
	case err == nil:
		logger.Info("initial index complete",
			"indexed", stats.FilesIndexed,
			"skipped", stats.FilesSkipped,
			"deleted", stats.FilesDeleted)
	case errors.Is(err, indexer.ErrLockHeld):
		logger.Warn("another process is indexing, serving the existing index", "error", err)
	case errors.Is(err, context.Canceled):
		// shutting down
	default:
		logger.Error("initial index failed", "error", err)
	}
}
