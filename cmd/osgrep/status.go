package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/osgrep/internal/engine"
	"github.com/dshills/osgrep/internal/registry"
)

type statusOutput struct {
	*engine.Status
	Server *registry.ServerLock `json:"server,omitempty"`
	// Registered is this project's entry in the per-user server registry
	Registered *registry.Entry `json:"registered,omitempty"`
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index location, embedding model and counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// dry run: status never creates the index directory
			e, logger, err := root.openEngine(cmd, true)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)

			st, err := e.Status(cmd.Context())
			if err != nil {
				return err
			}
			out := statusOutput{Status: st}
			if lock, err := registry.LiveServer(st.IndexDir); err == nil {
				lock.AuthToken = ""
				out.Server = lock
			}
			if reg, err := openRegistry(); err == nil {
				if entry, ok, err := reg.Lookup(st.Root); err == nil && ok {
					entry.AuthToken = ""
					out.Registered = &entry
				}
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			printStatus(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func printStatus(w io.Writer, s statusOutput) {
	fmt.Fprintf(w, "Project:   %s\n", s.Root)
	fmt.Fprintf(w, "Index:     %s\n", s.IndexDir)
	fmt.Fprintf(w, "Store:     %s (%s)\n", s.StoreID, s.Backend)
	fmt.Fprintf(w, "Embedding: %s/%s, %d dimensions\n", s.Provider, s.Model, s.Dimension)

	switch {
	case s.Indexing:
		fmt.Fprintf(w, "State:     indexing in progress\n")
	case s.Indexed:
		fmt.Fprintf(w, "State:     indexed\n")
	default:
		fmt.Fprintf(w, "State:     not indexed, run \"osgrep index\"\n")
	}
	if s.Store != nil {
		fmt.Fprintf(w, "Files:     %d\n", s.Store.Files)
		fmt.Fprintf(w, "Chunks:    %d\n", s.Store.Chunks)
		if !s.Store.UpdatedAt.IsZero() {
			fmt.Fprintf(w, "Updated:   %s\n", s.Store.UpdatedAt.Local().Format(time.RFC3339))
		}
	}
	switch {
	case s.Server != nil:
		fmt.Fprintf(w, "Server:    running on port %d (pid %d)\n", s.Server.Port, s.Server.PID)
	case s.Registered != nil && registry.IsProcessRunning(s.Registered.PID):
		fmt.Fprintf(w, "Server:    running on port %d (pid %d)\n", s.Registered.Port, s.Registered.PID)
	case s.Registered != nil:
		fmt.Fprintf(w, "Server:    not running, stale registry entry for pid %d (run \"osgrep servers prune\")\n", s.Registered.PID)
	default:
		fmt.Fprintf(w, "Server:    not running\n")
	}
}
