// Package main runs one Flock node: A2A transport, agent registry,
// migration engine, channels, and the operator event stream in a
// single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/flockmesh/flock/internal/cards"
	"github.com/flockmesh/flock/internal/common/config"
	"github.com/flockmesh/flock/internal/common/logger"
	"github.com/flockmesh/flock/internal/node"
	a2av1 "github.com/flockmesh/flock/pkg/a2a/v1"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to flock.yaml (default: search working directory)")
		agentSpec  = flag.String("agents", "", "comma-separated agents to host, as id or id:role (echo sessions)")
	)
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting flockd",
		zap.String("node_id", cfg.Node.ID),
		zap.String("topology", cfg.Topology.Mode))

	// 3. Wire the node
	n, err := node.Build(cfg, nil, log)
	if err != nil {
		log.Fatal("Failed to build node", zap.Error(err))
	}

	// 4. Host the requested agents
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registerAgents(ctx, n, cfg, *agentSpec); err != nil {
		log.Fatal("Failed to register agents", zap.Error(err))
	}

	// 5. Run until signaled
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("Shutting down...")
		cancel()
	}()

	if err := n.Run(ctx); err != nil {
		log.Fatal("Node exited with error", zap.Error(err))
	}
	log.Info("flockd stopped")
}

// registerAgents hosts the agents named on the command line, each
// backed by the echo session. Entries are "id" or "id:role".
func registerAgents(ctx context.Context, n *node.Node, cfg *config.Config, spec string) error {
	if spec == "" {
		return nil
	}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		agentID, role := entry, a2av1.RoleWorker
		if i := strings.IndexByte(entry, ':'); i > 0 {
			agentID = entry[:i]
			role = a2av1.AgentRole(entry[i+1:])
		}
		card := a2av1.AgentCard{
			Name:     agentID,
			Version:  "1.0.0",
			Metadata: map[string]any{a2av1.MetadataRoleKey: string(role)},
		}
		if err := n.RegisterAgent(ctx, agentID, card, cards.AgentMeta{Role: role}); err != nil {
			return err
		}
	}
	return nil
}
