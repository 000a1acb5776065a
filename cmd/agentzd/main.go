package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentz/agentz/internal/commitflow"
	"github.com/agentz/agentz/internal/common/config"
	"github.com/agentz/agentz/internal/common/logger"
	"github.com/agentz/agentz/internal/daemon"
	"github.com/agentz/agentz/internal/events/bus"
	"github.com/agentz/agentz/internal/gitsvc"
	"github.com/agentz/agentz/internal/ingest"
	"github.com/agentz/agentz/internal/orchestrator"
	"github.com/agentz/agentz/internal/orchestrator/api"
	"github.com/agentz/agentz/internal/orchestrator/streaming"
	"github.com/agentz/agentz/internal/ratelimit"
	"github.com/agentz/agentz/internal/stream"
	"github.com/agentz/agentz/internal/task"
	"github.com/agentz/agentz/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
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

	log.Info("Starting agentz control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Resolve the repository root the control plane serves
	git := gitsvc.NewService(log)
	repoRoot, err := os.Getwd()
	if err != nil {
		log.Fatal("Failed to resolve working directory", zap.Error(err))
	}
	if root, err := git.RepoRoot(ctx, repoRoot); err == nil {
		repoRoot = root
	} else {
		log.Warn("Not inside a git repository, git features degraded",
			zap.String("dir", repoRoot))
	}

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Durable event streams
	streamRoot := cfg.Streams.Root
	if streamRoot == "" {
		streamRoot = filepath.Join(repoRoot, ".control-plane", "streams")
	}
	store, err := stream.NewStore(streamRoot, log)
	if err != nil {
		log.Fatal("Failed to open stream store", zap.Error(err))
	}
	log.Info("Opened stream store", zap.String("root", store.Root()))

	// 6. Worktree isolation
	var worktrees *worktree.Manager
	if cfg.Worktree.Enabled {
		wtStore, err := worktree.OpenStore(expandHome(cfg.Worktree.StorePath))
		if err != nil {
			log.Fatal("Failed to open worktree store", zap.Error(err))
		}
		defer wtStore.Close()
		worktrees, err = worktree.NewManager(cfg.Worktree, git, wtStore, log)
		if err != nil {
			log.Fatal("Failed to initialize worktree manager", zap.Error(err))
		}
		log.Info("Worktree isolation enabled")
	}

	// 7. Process monitor and rate limiter
	monitor := daemon.NewMonitor(cfg.Worker, log)
	limiter := ratelimit.NewLimiter(cfg.RateLimit, log)
	limiter.Start(ctx)

	// 8. Orchestrator
	streamURL := fmt.Sprintf("http://%s:%d/internal/v1/chunks", cfg.Server.Host, cfg.Server.Port)
	sessions := orchestrator.NewService(cfg, store, monitor, worktrees, eventBus, streamURL, repoRoot, log)
	sessions.EnableSpawnQueue(ctx, 0)
	sessions.StartRetention(ctx)

	// 9. Ingest path for worker output
	ingester := ingest.NewIngester(cfg.Worker, store, monitor, eventBus, log)
	ingestHandler := ingest.NewHandler(ingester, log)

	// 10. Task store and commit workflow
	tasks := task.NewStore(repoRoot, log)
	workflow := commitflow.NewWorkflow(git, worktrees, tasks, sessions, repoRoot, log)

	// 11. WebSocket hub fed from the bus
	hub := streaming.NewHub(log)
	if err := hub.BindBus(eventBus); err != nil {
		log.Fatal("Failed to bind websocket hub to bus", zap.Error(err))
	}
	go hub.Run(ctx)

	// 12. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(sessions, tasks, workflow, git, hub, repoRoot, log)
	router := api.SetupRouter(handler, limiter, log)

	// Worker ingest stays off the public rate limiter.
	ingestHandler.RegisterRoutes(router.Group("/internal/v1"))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-gctx.Done():
		case sig := <-quit:
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))
		}

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// Land any buffered worker output before exit.
		ingester.FlushAll(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("Server error", zap.Error(err))
	}
	log.Info("agentz control plane stopped")
}

// expandHome resolves a leading ~ in configured paths.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
