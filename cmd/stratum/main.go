// Stratum execution-core server — provides the HTTP API, runs queue
// workers, maintains the sandbox pools, and drives agent conversations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/stratumhq/stratum/pkg/agent"
	"github.com/stratumhq/stratum/pkg/api"
	"github.com/stratumhq/stratum/pkg/broker"
	"github.com/stratumhq/stratum/pkg/cleanup"
	"github.com/stratumhq/stratum/pkg/config"
	"github.com/stratumhq/stratum/pkg/database"
	"github.com/stratumhq/stratum/pkg/executor"
	"github.com/stratumhq/stratum/pkg/llm"
	"github.com/stratumhq/stratum/pkg/mcp"
	"github.com/stratumhq/stratum/pkg/models"
	"github.com/stratumhq/stratum/pkg/queue"
	"github.com/stratumhq/stratum/pkg/relay"
	"github.com/stratumhq/stratum/pkg/sandbox"
	"github.com/stratumhq/stratum/pkg/store"
	"github.com/stratumhq/stratum/pkg/store/memory"
	"github.com/stratumhq/stratum/pkg/store/postgres"
	"github.com/stratumhq/stratum/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env from the config directory; absence is fine in containers.
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()
	ctx := context.Background()

	slog.Info("Starting stratum",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	// 1. Configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		return fmt.Errorf("initialize configuration: %w", err)
	}

	// 2. Broker: Redis when configured, in-process for single-node dev.
	var b broker.Broker
	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		rb, err := broker.NewRedisBroker(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		b = rb
		slog.Info("Connected to Redis broker", "addr", cfg.Redis.Addr)
	} else {
		b = broker.NewMemoryBroker()
		slog.Warn("No Redis configured, using in-memory broker (single node only)")
	}
	defer func() { _ = b.Close() }()

	// 3. Stores: PostgreSQL when reachable configuration exists, in-memory
	// otherwise.
	var stores *store.Stores
	var dbClient *database.Client
	if os.Getenv("DB_HOST") != "" || os.Getenv("DB_PASSWORD") != "" {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			return fmt.Errorf("load database config: %w", err)
		}
		dbClient, err = database.NewClient(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer dbClient.Close()
		stores = postgres.New(dbClient.Pool())
		slog.Info("Connected to PostgreSQL", "host", dbCfg.Host, "db", dbCfg.Database)
	} else {
		stores = memory.New()
		slog.Warn("No database configured, using in-memory stores (data is ephemeral)")
	}

	// 4. Sandbox runtime and pools
	runtime, err := sandbox.NewDockerRuntime(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("create container runtime: %w", err)
	}
	defer func() { _ = runtime.Close() }()

	containerPool := sandbox.NewContainerPool(cfg.Sandbox, runtime)
	if err := containerPool.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize sandbox pool: %w", err)
	}
	sharedPool := sandbox.NewSharedWorkerPool(cfg.Sandbox, runtime)
	if err := sharedPool.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize shared worker pool: %w", err)
	}
	slog.Info("Sandbox pools initialized")

	// 5. Core services
	exec := executor.New(stores, containerPool, sharedPool)
	q := queue.NewJobQueue(b, cfg.Queue)
	rel := relay.New(b)
	llmFactory := llm.NewFactory(cfg.LLMProviderRegistry)
	mcpFactory := mcp.NewClientFactory(cfg.MCPServerRegistry)

	// Eager MCP validation: a server that cannot connect at startup is a
	// broken config, not a runtime condition to discover mid-conversation.
	if serverIDs := cfg.MCPServerRegistry.ServerIDs(); len(serverIDs) > 0 {
		client, err := mcpFactory.CreateClient(ctx, serverIDs)
		if err != nil {
			return fmt.Errorf("mcp startup validation: %w", err)
		}
		failed := client.FailedServers()
		_ = client.Close()
		if len(failed) > 0 {
			return fmt.Errorf("mcp servers failed startup validation: %v", failed)
		}
		slog.Info("MCP servers validated", "count", len(serverIDs))
	}

	engine := agent.NewEngine(stores, llmFactory, q, exec, rel,
		mcpFactory, cfg.MCPServerRegistry, cfg.Defaults)

	// 6. Worker pool (before the HTTP server takes traffic)
	workerPool := queue.NewWorkerPool(podID, b, cfg.Queue)
	workerPool.RegisterHandler(models.JobKindFunction,
		executor.NewFunctionHandler(exec, cfg.Queue.MaxRetries))
	workerPool.RegisterHandler(models.JobKindAgentMessage, agent.NewMessageHandler(engine))
	workerPool.RegisterHandler(models.JobKindAgentResume, agent.NewResumeHandler(engine))
	if err := workerPool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	cleanupSvc := cleanup.NewService(cfg.Retention, stores)
	cleanupSvc.Start(ctx)

	// 7. HTTP server
	deps := api.Deps{
		Stores:     stores,
		Queue:      q,
		Executor:   exec,
		Relay:      rel,
		WorkerPool: workerPool,
		Sandbox:    containerPool,
		SharedPool: sharedPool,
	}
	if dbClient != nil {
		deps.PingDB = func(ctx context.Context) error {
			health := dbClient.Health(ctx)
			if !health.Reachable {
				return errors.New(health.Error)
			}
			return nil
		}
	}
	server := api.NewServer(deps)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(":" + httpPort); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Stratum started", "pod_id", podID)

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: stop intake, drain workers, then release the
	// container fleet.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout+10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}
	cleanupSvc.Stop()
	workerPool.Stop()
	sharedPool.Shutdown(shutdownCtx)
	containerPool.Shutdown(shutdownCtx)

	slog.Info("Stratum stopped")
	return nil
}
