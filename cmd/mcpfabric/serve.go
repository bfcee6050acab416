package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcpfabric/internal/config"
	"mcpfabric/internal/fabric"
)

func newServeCommand(configPath *string) *cobra.Command {
	var logLevel string
	var logFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to every configured MCP server and keep the fabric running",
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := config.DefaultLogConfig()
			logCfg.Level = logLevel
			if logFile != "" {
				logCfg.EnableFile = true
				logCfg.Filename = logFile
			}

			f, err := fabric.Open(*configPath, logCfg)
			if err != nil {
				return err
			}
			defer f.Close()

			s := spinner.New(spinner.CharSets[14], spinnerInterval)
			s.Suffix = " connecting to upstream servers..."
			s.Start()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.ConnectAndDiscover(ctx)
			s.Stop()

			reportConnectionSummary(f)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			f.Logger.Info("shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	cmd.Flags().StringVar(&logFile, "log-file", "", "path to an additional rotating log file")
	return cmd
}

func reportConnectionSummary(f *fabric.Fabric) {
	status := f.Manager.HealthStatus()
	connected := 0
	for _, s := range status {
		if s.State == "connected" {
			connected++
		}
	}
	f.Logger.Info("fabric ready",
		zap.Int("servers_connected", connected),
		zap.Int("servers_total", len(status)),
		zap.Int("tools_discovered", len(f.Registry.List())),
	)
}
