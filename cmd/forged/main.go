// Forged is the delivery-pipeline orchestration daemon.
//
// It owns the job store, claims queued jobs, drives them through the
// stage pipeline over the NATS task channel, and exposes the job
// management API. Agent workers run separately (see agentd); forged
// only dispatches tasks and awaits their results.
//
// Configuration comes from ~/.config/forged/config.yaml plus
// environment overrides. See internal/config.
//
// Usage:
//
//	# Start with defaults (embedded NATS, SQLite under ~/.local/share/forged)
//	forged
//
//	# External broker
//	NATS_EMBEDDED=false NATS_URL=nats://broker:4222 forged
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forged/internal/channel"
	"github.com/fyrsmithlabs/forged/internal/config"
	"github.com/fyrsmithlabs/forged/internal/events"
	"github.com/fyrsmithlabs/forged/internal/logging"
	"github.com/fyrsmithlabs/forged/internal/orchestrator"
	"github.com/fyrsmithlabs/forged/internal/store"
	"github.com/fyrsmithlabs/forged/internal/telemetry"
	"github.com/fyrsmithlabs/forged/internal/workflow"
	"github.com/fyrsmithlabs/forged/pkg/server"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default ~/.config/forged/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  forged           Start the orchestration daemon\n")
			fmt.Fprintf(os.Stderr, "  forged version   Show version information\n")
			os.Exit(1)
		}
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
		log.Fatalf("forged: %v", err)
	}
	log.Println("shutdown complete")
}

func printVersion() {
	fmt.Printf("forged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is canceled:
//
//  1. Load and validate configuration
//  2. Check the workflow definition (missing agent mappings are fatal
//     here, never mid-pipeline)
//  3. Initialize logger and telemetry
//  4. Open the store, start or connect NATS, build the task channel
//  5. Start the orchestrator loop and the HTTP API
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if err := workflow.Validate(); err != nil {
		return fmt.Errorf("workflow definition: %w", err)
	}

	logger, err := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting forged",
		zap.Int("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Bool("nats_embedded", cfg.NATS.Embedded),
		zap.Duration("stage_timeout", cfg.Pipeline.StageTimeout),
		zap.Int("concurrency", cfg.Pipeline.Concurrency))

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()
	if tel.Degraded() {
		logger.Warn("telemetry degraded to no-op tracing")
	}

	deps, err := initDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	exec, err := orchestrator.NewExecutor(deps.store, deps.channel, deps.events, logger, orchestrator.Config{
		StageTimeout: cfg.Pipeline.StageTimeout,
		ResultPoll:   cfg.Pipeline.ResultPoll,
	})
	if err != nil {
		return fmt.Errorf("build executor: %w", err)
	}
	loop, err := orchestrator.NewLoop(deps.store, exec, logger, orchestrator.LoopConfig{
		ClaimInterval: cfg.Pipeline.ClaimInterval,
		Concurrency:   cfg.Pipeline.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator loop: %w", err)
	}

	srv, err := server.New(server.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ServiceName:     cfg.Observability.ServiceName,
	}, deps.store, deps.events, logger)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	logger.Info("forged ready",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("api_prefix", "/v1"),
		zap.String("metrics_endpoint", "/metrics"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(gctx); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.Endpoint = cfg.Observability.OTLPEndpoint
	tc.ServiceName = cfg.Observability.ServiceName
	tc.ServiceVersion = version
	return tc
}

// dependencies holds the infrastructure the daemon runs on.
type dependencies struct {
	store    *store.Store
	natsSrv  *natsserver.Server // embedded broker, nil when external
	natsConn *nats.Conn
	channel  *channel.Channel
	events   *events.Publisher
	logger   *zap.Logger
}

// Close releases infrastructure in reverse dependency order.
func (d *dependencies) Close() {
	if d.natsConn != nil {
		d.natsConn.Close()
	}
	if d.natsSrv != nil {
		d.natsSrv.Shutdown()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func initDependencies(cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	dataDir, err := config.ExpandHome(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{DataDir: dataDir})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	deps := &dependencies{store: st, logger: logger}

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		storeDir, err := config.ExpandHome(cfg.NATS.StoreDir)
		if err != nil {
			deps.Close()
			return nil, err
		}
		srv, err := channel.RunEmbedded(storeDir)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		deps.natsSrv = srv
		natsURL = srv.ClientURL()
		logger.Info("embedded NATS started", zap.String("store_dir", storeDir))
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
		deps.Close()
		return nil, fmt.Errorf("connect to NATS at %s: %w", natsURL, err)
	}
	deps.natsConn = nc
	logger.Info("connected to NATS", zap.String("url", natsURL))

	ch, err := channel.New(nc)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("build task channel: %w", err)
	}
	deps.channel = ch
	deps.events = events.NewPublisher(nc)

	return deps, nil
}
