package main

import (
	"context"
	"os"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mcpfabric/internal/config"
	"mcpfabric/internal/fabric"
)

func newStatusCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect once, discover tools, and print a summary table",
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := config.DefaultLogConfig()
			logCfg.EnableConsole = false // status output is the table, not logs

			f, err := fabric.Open(*configPath, logCfg)
			if err != nil {
				return err
			}
			defer f.Close()

			s := spinner.New(spinner.CharSets[14], spinnerInterval)
			s.Suffix = " connecting..."
			s.Start()
			f.ConnectAndDiscover(context.Background())
			s.Stop()

			printServerTable(f)
			printToolTable(f)
			return nil
		},
	}
}

func printServerTable(f *fabric.Fabric) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Server", "State", "Breaker", "Last Error"})

	status := f.Manager.HealthStatus()
	for _, name := range f.Document.Names() {
		s, ok := status[name]
		if !ok {
			continue
		}
		t.AppendRow(table.Row{name, s.State, s.Breaker.State, s.LastError})
	}
	t.Render()
}

func printToolTable(f *fabric.Fabric) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Tool", "Description"})

	for _, tool := range f.Bridge.AvailableTools() {
		t.AppendRow(table.Row{tool.Name, tool.Description})
	}
	t.Render()
}
