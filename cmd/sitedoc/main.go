// Package main is the entry point for the SiteDoc server. The single
// binary runs the HTTP API, the websocket gateway, the job workers and
// the stall sweeper together on shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sitedoc/sitedoc/internal/agents"
	"github.com/sitedoc/sitedoc/internal/api"
	"github.com/sitedoc/sitedoc/internal/common/config"
	"github.com/sitedoc/sitedoc/internal/common/logger"
	"github.com/sitedoc/sitedoc/internal/dispatcher"
	"github.com/sitedoc/sitedoc/internal/events"
	"github.com/sitedoc/sitedoc/internal/common/httpmw"
	"github.com/sitedoc/sitedoc/internal/gateway"
	"github.com/sitedoc/sitedoc/internal/locks"
	"github.com/sitedoc/sitedoc/internal/notify"
	"github.com/sitedoc/sitedoc/internal/pipeline"
	"github.com/sitedoc/sitedoc/internal/secrets"
	"github.com/sitedoc/sitedoc/internal/stall"
	"github.com/sitedoc/sitedoc/internal/store"
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

	log.Info("Starting SiteDoc...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the database
	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer st.Close()
	log.Info("Database ready", zap.String("driver", cfg.Database.Driver))

	// 5. Initialize event bus (NATS if configured, in-memory otherwise)
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	eventBus := provided.Bus
	if provided.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 6. Initialize agent locks (Redis if configured, in-memory otherwise)
	var lockSvc locks.Service
	if cfg.Redis.URL != "" {
		redisLocks, err := locks.NewRedisService(cfg.Redis.URL, log)
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisLocks.Close()
		lockSvc = redisLocks
		log.Info("Using Redis agent locks", zap.String("url", cfg.Redis.URL))
	} else {
		lockSvc = locks.NewMemoryService()
		log.Info("Using in-memory agent locks")
	}

	// 7. Job dispatcher and the ticket state machine
	jobs := dispatcher.New(eventBus, log)
	machine := pipeline.New(st, eventBus, jobs, cfg.Stall, log)

	// 8. Credential vault
	vault, err := secrets.NewVault(cfg.Secrets, st, log)
	if err != nil {
		log.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	// 9. Email notifications, driven off the issue event stream
	mailProvider := notify.NewSMTPProvider(cfg.SMTP, log)
	notifier := notify.New(st, mailProvider, cfg.SMTP, cfg.Callback.PublicBaseURL, log)
	if _, err := notifier.Subscribe(eventBus); err != nil {
		log.Fatal("Failed to subscribe notifier to issue events", zap.Error(err))
	}
	if mailProvider.Available() {
		log.Info("Email notifications enabled", zap.String("host", cfg.SMTP.Host))
	} else {
		log.Info("No SMTP host configured, email notifications disabled")
	}

	// 10. Agent runner and PM agent, registered as job handlers
	spawner := agents.NewHTTPSpawner(cfg.AgentHost, log)
	llm := agents.NewGatewayLLM(cfg.AgentHost, log)
	runner := agents.NewRunner(st, machine, lockSvc, vault, spawner, notifier, agents.RunnerConfig{
		AgentHost: cfg.AgentHost,
		Models:    cfg.Agents,
		Callback:  cfg.Callback,
		LockTTL:   cfg.Redis.LockTTL(),
	}, log)
	pm := agents.NewPMAgent(st, machine, vault, llm, notifier, cfg.Agents, log)
	agents.RegisterJobs(jobs, runner, pm)

	// 11. Stall sweeper
	stall.New(st, machine, cfg.Stall, log).Register(ctx, jobs)

	// 12. Start the job workers
	if err := jobs.StartWorkers(dispatcher.QueueAgent, cfg.Workers.Agent); err != nil {
		log.Fatal("Failed to start agent workers", zap.Error(err))
	}
	if err := jobs.StartWorkers(dispatcher.QueueBackend, cfg.Workers.Backend); err != nil {
		log.Fatal("Failed to start backend workers", zap.Error(err))
	}
	log.Info("Job workers started",
		zap.Int("agent", cfg.Workers.Agent),
		zap.Int("backend", cfg.Workers.Backend))

	// 13. Websocket gateway
	hub := gateway.NewHub(log)
	go hub.Run(ctx)
	if _, err := hub.Bridge(eventBus); err != nil {
		log.Fatal("Failed to bridge issue events to websocket hub", zap.Error(err))
	}
	wsHandler := gateway.NewHandler(hub, st, cfg.Auth, log)

	// 14. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "sitedoc"))

	api.SetupRoutes(router, api.Deps{
		Store:    st,
		Machine:  machine,
		Vault:    vault,
		Locks:    lockSvc,
		WS:       wsHandler,
		Auth:     cfg.Auth,
		Callback: cfg.Callback,
		Logger:   log,
	})

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("SiteDoc server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws/issues/:id"),
		zap.String("callbacks", "/internal"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down SiteDoc...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Workers drain in-flight jobs before the deferred store close.
	jobs.Stop()

	log.Info("SiteDoc stopped")
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
