// Relay server - the retained live sync and replay transport.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentmesh/relay/pkg/api"
	"github.com/agentmesh/relay/pkg/claims"
	"github.com/agentmesh/relay/pkg/cleanup"
	"github.com/agentmesh/relay/pkg/config"
	"github.com/agentmesh/relay/pkg/database"
	"github.com/agentmesh/relay/pkg/live"
	"github.com/agentmesh/relay/pkg/metrics"
	"github.com/agentmesh/relay/pkg/outbox"
	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
	"github.com/agentmesh/relay/pkg/version"
)

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	slog.Info("Starting relay", "version", version.Full(), "config_dir", *configDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}

	dbCfg, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Invalid database configuration: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbCfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = dbClient.Close() }()

	st := store.New(dbClient.DB())
	for _, sc := range cfg.Streams {
		if err := st.EnsureStream(ctx, sc.StreamID, sc.OwnerScope, sc.ConfirmedRead); err != nil {
			log.Fatalf("Failed to provision stream %s: %v", sc.StreamID, err)
		}
	}

	engine := reducer.NewEngine(st, reducer.Options{
		MaxAttempts:          cfg.Reducer.MaxAttempts,
		ExecutionBudget:      cfg.Reducer.ExecutionBudget,
		OutboxBudget:         cfg.Outbox.DiskBudget,
		ConfirmedReadStreams: cfg.ConfirmedReadStreams(),
	})
	engine.SetObserver(func(name string, code reducer.Code) {
		metrics.ReducerCallsTotal.WithLabelValues(name, string(code)).Inc()
	})

	keys, err := cfg.Claims.VerificationKeys()
	if err != nil {
		log.Fatalf("Invalid claim verification keys: %v", err)
	}
	verifier := claims.NewVerifier(keys)

	manager := live.NewManager(st, engine, cfg.Live)
	manager.SetObserver(func(event string) {
		switch event {
		case "txn_delivered":
			metrics.TxnUpdatesDelivered.Inc()
		case "slow_consumer":
			metrics.SlowConsumerDisconnects.Inc()
		}
	})
	engine.SetSink(manager)
	if err := manager.Start(ctx); err != nil {
		log.Fatalf("Failed to start subscription manager: %v", err)
	}
	defer manager.Stop()

	listener := live.NewCommitListener(dbClient.ConnString, manager)
	if err := listener.Start(ctx); err != nil {
		log.Fatalf("Failed to start commit listener: %v", err)
	}
	defer listener.Stop(context.Background())

	var substrate outbox.Substrate
	if cfg.Outbox.SubstrateAddr != "" {
		rs := outbox.NewRedisSubstrate(cfg.Outbox.SubstrateAddr, cfg.Outbox.StreamPrefix)
		defer func() { _ = rs.Close() }()
		substrate = rs
	}
	publisher := outbox.NewPublisher(st, engine, substrate, cfg.Outbox)
	publisher.Start(ctx)
	defer publisher.Stop()

	cleaner := cleanup.NewService(cfg.Retention, cfg.Live, cfg.Streams, st, engine)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	collector := metrics.NewCollector(manager, dbClient.DB())
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(cfg, dbClient)
	server.SetManager(manager)
	server.SetVerifier(verifier)
	if err := server.ValidateWiring(); err != nil {
		log.Fatalf("Server wiring incomplete: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Server.ListenAddr)
		errCh <- server.Start(cfg.Server.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
