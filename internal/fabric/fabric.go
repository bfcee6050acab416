// Package fabric assembles the loader, upstream manager, discovery,
// registry, bridge, and search index into one running instance: the
// composition root used by cmd/mcpfabric.
package fabric

import (
	"context"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mcpfabric/internal/bridge"
	"mcpfabric/internal/config"
	"mcpfabric/internal/discovery"
	"mcpfabric/internal/logs"
	"mcpfabric/internal/registry"
	"mcpfabric/internal/search"
	"mcpfabric/internal/upstream"
)

// Fabric holds every wired component for one run.
type Fabric struct {
	Logger     *zap.Logger
	CommLogger *logs.CommunicationLogger
	Document   *config.ConfigurationDocument
	Manager    *upstream.Manager
	Registry   *registry.Registry
	Discoverer *discovery.Discoverer
	Bridge     *bridge.Bridge
	Search     *search.Index
}

// Open loads configuration from configPath, layered with a local .env file
// and the process environment, and wires every component. It does not
// connect to any upstream server; call ConnectAndDiscover for that.
func Open(configPath string, logConfig *config.LogConfig) (*Fabric, error) {
	_ = godotenv.Load() // optional; a missing .env is not an error

	logger, err := logs.NewLogger(logConfig)
	if err != nil {
		return nil, err
	}
	commLogger, err := logs.NewCommunicationLogger(logConfig)
	if err != nil {
		return nil, err
	}

	loader := config.NewLoader(logger)
	doc, err := loader.Load(configPath, environToMap(os.Environ()))
	if err != nil {
		return nil, err
	}

	manager := upstream.NewManager(upstream.DefaultManagerConfig(), logger)
	for _, desc := range doc.Enabled() {
		manager.AddServerConfig(desc)
	}

	reg := registry.New()
	disc := discovery.New(manager, reg, logger, commLogger)
	br := bridge.New(reg, manager, commLogger)

	idx, err := search.New()
	if err != nil {
		return nil, err
	}

	return &Fabric{
		Logger:     logger,
		CommLogger: commLogger,
		Document:   doc,
		Manager:    manager,
		Registry:   reg,
		Discoverer: disc,
		Bridge:     br,
		Search:     idx,
	}, nil
}

// ConnectAndDiscover connects every enabled server and runs discovery
// against each that came up, rebuilding the fuzzy-search index afterward.
func (f *Fabric) ConnectAndDiscover(ctx context.Context) {
	f.Manager.ConnectAll(ctx)
	f.Discoverer.DiscoverAll(ctx)
	_ = f.Search.Rebuild(f.Registry)
	f.Manager.StartHealthSweep(ctx)
}

// Close shuts down every upstream connection and flushes loggers.
func (f *Fabric) Close() {
	f.Manager.Shutdown()
	_ = f.Search.Close()
	_ = f.CommLogger.Close()
	_ = f.Logger.Sync()
}

func environToMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				out[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return out
}
