package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const spinnerInterval = 100 * time.Millisecond

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "mcpfabric",
		Short: "Connection fabric for Model Context Protocol servers",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "mcp.json", "path to the MCP server configuration document")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath))
	return root
}
