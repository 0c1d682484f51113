package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnlockCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove a writer lock left behind by a crashed process",
		Long: `Remove the index writer lock of this project.

Only use this when no other osgrep process is indexing the project, for
example after a crash or a killed process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, logger, err := root.openEngine(cmd, true)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)

			holder, err := e.Unlock()
			if err != nil {
				return err
			}
			if holder == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No writer lock held.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed writer lock held by %s\n", holder)
			return nil
		},
	}
}
