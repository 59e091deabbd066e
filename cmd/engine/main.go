// cody-engine serves an agent engine over gRPC for servers running with
// AGENT_ENGINE=remote.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/cody/internal/engine"
	"github.com/ashureev/cody/internal/engine/anthropic"
	"github.com/ashureev/cody/internal/engine/remote"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Engine server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := os.Getenv("ENGINE_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:50051"
	}

	eng := newEngine(logger)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	remote.RegisterAgentEngineServer(srv, remote.NewServer(eng, logger))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(remote.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Engine server listening", "addr", addr)
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down engine server")
		hs.Shutdown()
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}

// newEngine serves the Anthropic engine when an API key is configured and
// the echo engine otherwise. Transcripts live in memory, so runs resume only
// while this process is up.
func newEngine(logger *slog.Logger) engine.Engine {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		slog.Info("ANTHROPIC_API_KEY not set, serving echo engine")
		return engine.Echo()
	}
	return anthropic.New(anthropic.Options{
		APIKey:  key,
		BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		Model:   os.Getenv("ANTHROPIC_MODEL"),
	}, anthropic.NewMemoryTranscripts(), nil, logger)
}
