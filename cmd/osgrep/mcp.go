package main

import (
	"github.com/spf13/cobra"

	"github.com/dshills/osgrep/internal/mcp"
)

func newMCPCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the project to MCP clients over stdio",
		Long: `Run a Model Context Protocol server on stdin and stdout. Register it with an
MCP client as the command "osgrep mcp", started in the project directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, logger, err := root.openEngine(cmd, false)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)

			mcp.ServerVersion = version
			return mcp.NewServer(e, logger).Serve(cmd.Context())
		},
	}
}
