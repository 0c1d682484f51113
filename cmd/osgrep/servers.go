package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/osgrep/internal/project"
	"github.com/dshills/osgrep/internal/registry"
)

func openRegistry() (*registry.Registry, error) {
	globalRoot, err := project.GlobalRoot()
	if err != nil {
		return nil, err
	}
	return registry.New(globalRoot), nil
}

func newServersCmd(_ *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage the registry of running servers",
		Args:  cobra.NoArgs,
	}
	cmd.AddCommand(newServersListCmd(), newServersClearCmd(), newServersPruneCmd())
	return cmd
}

func newServersListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			entries, err := reg.List()
			if err != nil {
				return err
			}
			for i := range entries {
				entries[i].AuthToken = ""
			}

			if asJSON {
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No servers registered.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PID\tPORT\tSTATE\tPROJECT")
			for _, e := range entries {
				state := "running"
				if !registry.IsProcessRunning(e.PID) {
					state = "dead"
				}
				fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", e.PID, e.Port, state, e.Cwd)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the registry as JSON")
	return cmd
}

func newServersClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every registry entry",
		Long:  "Remove every registry entry. Running servers are not stopped.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			if err := reg.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Server registry cleared.")
			return nil
		},
	}
}

func newServersPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Remove entries whose process has exited",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := openRegistry()
			if err != nil {
				return err
			}
			dead, err := reg.Prune()
			if err != nil {
				return err
			}
			for _, e := range dead {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (pid %d)\n", e.Cwd, e.PID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d stale entries removed.\n", len(dead))
			return nil
		},
	}
}
