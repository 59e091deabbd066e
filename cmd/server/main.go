// cody - agent session orchestration server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/cody/internal/api"
	"github.com/ashureev/cody/internal/config"
	"github.com/ashureev/cody/internal/engine"
	"github.com/ashureev/cody/internal/engine/anthropic"
	"github.com/ashureev/cody/internal/engine/remote"
	"github.com/ashureev/cody/internal/metrics"
	"github.com/ashureev/cody/internal/middleware"
	"github.com/ashureev/cody/internal/permission"
	"github.com/ashureev/cody/internal/router"
	"github.com/ashureev/cody/internal/runner"
	"github.com/ashureev/cody/internal/sandbox"
	"github.com/ashureev/cody/internal/session"
	"github.com/ashureev/cody/internal/store"
	"github.com/ashureev/cody/internal/ws"
	"github.com/ashureev/cody/web"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "addr", cfg.Addr(), "engine", cfg.Engine, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	sessions, err := session.NewStore(ctx, repo, session.NewRegistry(), logger)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	m := metrics.New()

	var shell engine.Shell = engine.LocalShell{}
	var sandboxes *sandbox.Manager
	if cfg.Sandbox.Enabled {
		sandboxes, err = sandbox.New(sandbox.Config{Image: cfg.Sandbox.Image, Runtime: cfg.Sandbox.Runtime}, logger)
		if err != nil {
			return fmt.Errorf("initialize sandbox: %w", err)
		}
		if err := sandboxes.Ping(ctx); err != nil {
			return fmt.Errorf("sandbox health check: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if closeErr := sandboxes.Close(closeCtx); closeErr != nil {
				slog.Error("Failed to release sandboxes", "error", closeErr)
			}
		}()
		sandboxes.StartReaper(ctx, cfg.Sandbox.TTL)
		shell = sandboxes
	}

	eng, titler, closeEngine, err := newEngine(ctx, cfg, repo, shell, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	hub := ws.NewHub(ws.DefaultQueueSize, m, logger)
	broker := permission.NewBroker(cfg.PermissionTimeout, m, logger)
	rtr := router.New(sessions, runner.New(eng, broker, m, logger), hub, router.Options{
		Titler:      titler,
		DefaultMode: cfg.DefaultMode,
		Metrics:     m,
		Logger:      logger,
	})
	if sandboxes != nil {
		rtr.OnDelete(sandboxes.Release)
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins()))
	r.Use(middleware.Auth(cfg.AuthToken, "/health"))

	api.NewHealthHandler(repo, hub, 0).RegisterHealth(r)
	api.NewSessionHandler(sessions).RegisterRoutes(r)
	r.Handle("/metrics", m.Handler())
	r.Get("/ws", ws.NewHandler(hub, rtr, cfg.FrontendURL, cfg.IsDevelopment(), logger).ServeHTTP)
	r.Handle("/*", web.SPAHandler())

	// WebSocket connections are long lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		if err := rtr.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop runs: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// newEngine builds the configured agent engine and, when enabled, the
// titler for untitled sessions.
func newEngine(ctx context.Context, cfg *config.Config, repo store.Repository, shell engine.Shell, logger *slog.Logger) (engine.Engine, engine.Titler, func(), error) {
	noop := func() {}

	switch cfg.Engine {
	case config.EngineAnthropic:
		eng := anthropic.New(anthropic.Options{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			Model:     cfg.Anthropic.Model,
			MaxTurns:  cfg.Anthropic.MaxTurns,
			MaxTokens: cfg.Anthropic.MaxTokens,
		}, repo, shell, logger)
		var titler engine.Titler
		if cfg.TitleGeneration {
			titler = eng
		}
		slog.Info("Anthropic engine initialized", "model", cfg.Anthropic.Model)
		return eng, titler, noop, nil

	case config.EngineRemote:
		client, err := remote.Dial(remote.DefaultConfig(cfg.RemoteAgentAddr), logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect remote engine: %w", err)
		}
		if err := client.Health(ctx); err != nil {
			slog.Warn("Remote engine health check failed", "address", cfg.RemoteAgentAddr, "error", err)
		}
		slog.Info("Remote engine connected", "address", cfg.RemoteAgentAddr)
		return client, nil, client.Close, nil

	default:
		slog.Info("Echo engine initialized")
		return engine.Echo(), nil, noop, nil
	}
}
