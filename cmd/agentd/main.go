// Agentd runs a pool of task workers against a forged deployment.
//
// It connects to the NATS task channel, classifies each dispatched
// task's workload, routes it to a standard or accelerated slot, runs
// the built-in agent for the task's type, and publishes the result.
// Any number of agentd processes can serve the same channel; the
// work-queue consumer splits tasks between them.
//
// Usage:
//
//	# Serve every agent type with the default pool shape
//	agentd
//
//	# A GPU box adding accelerated slots for the heavy stages
//	POOLS_ACCELERATED_SLOTS=2 WORKER_AGENT_TYPES=developer,qa_engineer agentd
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forged/internal/agents"
	"github.com/fyrsmithlabs/forged/internal/channel"
	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/router"
	"github.com/fyrsmithlabs/forged/internal/workload"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/forged/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 && args[0] == "version" {
		fmt.Printf("agentd by Fyrsmith Labs\n")
		fmt.Printf("Version:    %s\n", version)
		fmt.Printf("Commit:     %s\n", gitCommit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down gracefully", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("agentd: %v", err)
	}
	log.Println("shutdown complete")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting agentd",
		zap.String("nats_url", cfg.NATS.URL),
		zap.Int("standard_slots", cfg.Pools.StandardSlots),
		zap.Int("accelerated_slots", cfg.Pools.AcceleratedSlots),
		zap.Strings("agent_types", cfg.Worker.AgentTypes))

	// Workers never run the embedded broker: they attach to the one the
	// forged daemon (or an operator) already runs.
	natsURL := cfg.NATS.URL
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	opts := []nats.Option{
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	}
	if cfg.NATS.Token.IsSet() {
		opts = append(opts, nats.Token(cfg.NATS.Token.Value()))
	}
	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}
	defer nc.Close()
	logger.Info("connected to NATS", zap.String("url", natsURL))

	ch, err := channel.New(nc)
	if err != nil {
		return fmt.Errorf("build task channel: %w", err)
	}

	rt := router.New(workload.NewDetector(), cfg.Pools.AcceleratorThreshold)
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "agentd"
	}
	for i := 0; i < cfg.Pools.StandardSlots; i++ {
		rt.AddWorker(router.PoolStandard, fmt.Sprintf("%s-std-%d", hostname, i))
	}
	for i := 0; i < cfg.Pools.AcceleratedSlots; i++ {
		rt.AddWorker(router.PoolAccelerated, fmt.Sprintf("%s-gpu-%d", hostname, i))
	}

	worker, err := agents.NewWorker(ch, rt, logger, agents.Config{
		AgentTypes: cfg.Worker.AgentTypes,
		FetchWait:  cfg.Worker.FetchWait,
	})
	if err != nil {
		return fmt.Errorf("build worker: %w", err)
	}

	return worker.Run(ctx)
}
