package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentim-chat/agentim/internal/agent"
	"github.com/agentim-chat/agentim/internal/api"
	"github.com/agentim-chat/agentim/internal/attachment"
	"github.com/agentim-chat/agentim/internal/bootstrap"
	"github.com/agentim-chat/agentim/internal/config"
	"github.com/agentim-chat/agentim/internal/httputil"
	"github.com/agentim-chat/agentim/internal/hub"
	"github.com/agentim-chat/agentim/internal/message"
	"github.com/agentim-chat/agentim/internal/postgres"
	"github.com/agentim-chat/agentim/internal/presence"
	"github.com/agentim-chat/agentim/internal/ratelimit"
	"github.com/agentim-chat/agentim/internal/room"
	"github.com/agentim-chat/agentim/internal/router"
	"github.com/agentim-chat/agentim/internal/routing"
	"github.com/agentim-chat/agentim/internal/safeurl"
	"github.com/agentim-chat/agentim/internal/tasks"
	"github.com/agentim-chat/agentim/internal/user"
	"github.com/agentim-chat/agentim/internal/valkey"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting AgentIM Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Check first-run and seed if needed
	firstRun, err := bootstrap.IsFirstRun(ctx, db)
	if err != nil {
		return fmt.Errorf("check first run: %w", err)
	}
	if firstRun {
		log.Info().Msg("First run detected, running initialization")
		if err := bootstrap.RunFirstInit(ctx, db, cfg); err != nil {
			return fmt.Errorf("first-run initialization: %w", err)
		}
		log.Info().Msg("First-run initialization complete")
	}

	// Repositories
	users := user.NewPGRepository(db, log.Logger)
	rooms := room.NewPGRepository(db, log.Logger)
	messages := message.NewPGRepository(db, log.Logger)
	atts := attachment.NewPGRepository(db, log.Logger)
	agents := agent.NewPGRepository(db, log.Logger)
	routers := router.NewPGRepository(db, log.Logger)

	// Outbound URL filtering and the router LLM client
	checker := safeurl.NewChecker()
	downloader := safeurl.NewDownloader(checker, cfg.MaxServiceAgentFileSize)
	routerClient := router.NewClient(checker, log.Logger)

	// Message pipeline
	engine := routing.NewEngine(db, rooms, messages, atts, agents, routers, routerClient, routing.Config{
		EncryptionKey:  cfg.EncryptionKey,
		MaxChainDepth:  cfg.MaxChainDepth,
		MaxAttachments: cfg.MaxAttachmentsPerMessage,
	}, log.Logger)

	limiter := ratelimit.New(rdb, log.Logger)
	defer limiter.Close()
	presenceStore := presence.NewStore(rdb, cfg.TypingDebounce)

	// Task poller. Providers are registered by deployments that host service
	// agents; without one the manager still consumes gateway task updates.
	taskManager := tasks.NewManager(nil, engine, downloader, nil, tasks.Config{
		MaxActive: cfg.MaxActiveTasks,
	}, log.Logger)
	defer taskManager.Shutdown()

	h := hub.NewHub(cfg, rdb, limiter, presenceStore, engine, users, rooms, messages, atts, agents, taskManager, log.Logger)
	taskManager.SetNotifier(h)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "AgentIM",
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := httputil.CodeInternalError
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = statusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSAllowOrigins},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	registerRoutes(app, cfg, db, rdb, users, h)

	// Graceful shutdown: stop accepting upgrades, tell every socket we are
	// going away, then drain.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		h.Shutdown(shutdownCtx)
		taskManager.Shutdown()
		_ = app.ShutdownWithContext(shutdownCtx)
	}()

	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func registerRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool, rdb *redis.Client, users user.Repository, h *hub.Hub) {
	health := &api.HealthHandler{DB: db, Redis: rdb}
	app.Get("/api/v1/health", health.Health)

	authHandler := api.NewAuthHandler(users, rdb, cfg, log.Logger)
	authGroup := app.Group("/api/v1/auth")
	authGroup.Post("/login", authHandler.Login)
	authGroup.Post("/refresh", authHandler.Refresh)
	authGroup.Post("/logout", authHandler.Logout)

	ws := api.NewWSHandler(h)
	app.Get("/ws/client", ws.Client)
	app.Get("/ws/gateway", ws.Gateway)
}

// statusToCode maps Fiber's built-in error statuses to API error codes.
func statusToCode(status int) httputil.Code {
	switch {
	case status == fiber.StatusNotFound:
		return httputil.CodeNotFound
	case status == fiber.StatusUnauthorized:
		return httputil.CodeUnauthorized
	case status == fiber.StatusTooManyRequests:
		return httputil.CodeRateLimited
	case status >= 400 && status < 500:
		return httputil.CodeBadRequest
	default:
		return httputil.CodeInternalError
	}
}
