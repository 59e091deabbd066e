package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/engine"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// Config holds connection settings for the remote engine.
type Config struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultConfig returns default connection settings for addr.
func DefaultConfig(addr string) Config {
	return Config{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client is an engine.Engine backed by a remote engine process.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

var _ engine.Engine = (*Client)(nil)

// Dial connects to the remote engine and waits until the connection is
// ready so a bad address fails at startup.
func Dial(cfg Config, logger *slog.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create client for remote engine at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("remote engine at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to remote engine", "address", cfg.Address)
	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the connection.
func (c *Client) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks whether the remote engine is serving.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("remote engine not serving: %s", resp.GetStatus())
	}
	return nil
}

// Open implements engine.Engine. Permission frames are answered
// concurrently so the stream keeps flowing while a human decides.
func (c *Client) Open(ctx context.Context, req engine.Request) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		var wg sync.WaitGroup
		defer wg.Wait()

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := c.conn.NewStream(runCtx, &runStreamDesc, RunMethod)
		if err != nil {
			yield(nil, fmt.Errorf("open remote run: %w", err))
			return
		}

		var sendMu sync.Mutex
		send := func(f *structpb.Struct) error {
			sendMu.Lock()
			defer sendMu.Unlock()
			return stream.SendMsg(f)
		}

		open, err := toStruct(map[string]any{
			"kind":            kindOpen,
			"session_id":      req.SessionID,
			"prompt":          req.Prompt,
			"cwd":             req.Cwd,
			"resume_token":    req.ResumeToken,
			"permission_flag": req.PermissionFlag,
		})
		if err != nil {
			yield(nil, err)
			return
		}
		if err := send(open); err != nil {
			yield(nil, fmt.Errorf("send open frame: %w", err))
			return
		}

		for {
			frame := new(structpb.Struct)
			if err := stream.RecvMsg(frame); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, fmt.Errorf("remote stream: %w", err))
				return
			}

			switch frameKind(frame) {
			case kindMessage:
				if !yield(frameMessage(frame), nil) {
					return
				}
			case kindPermission:
				call := engine.ToolCall{
					ID:    frameString(frame, "tool_use_id"),
					Name:  frameString(frame, "tool_name"),
					Input: rawJSON(frame.GetFields()["input"].AsInterface()),
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					c.answerPermission(runCtx, req, call, send)
				}()
			case kindError:
				yield(nil, fmt.Errorf("%w: %s", errRemote, frameString(frame, "message")))
				return
			default:
				c.logger.Warn("Ignoring unknown frame", "kind", frameKind(frame), "session_id", req.SessionID)
			}
		}
	}
}

func (c *Client) answerPermission(ctx context.Context, req engine.Request, call engine.ToolCall, send func(*structpb.Struct) error) {
	res := domain.Allow(call.Input)
	if req.CanUseTool != nil {
		var err error
		res, err = req.CanUseTool(ctx, call)
		if err != nil {
			res = domain.Deny(err.Error())
		}
	}

	frame, err := permissionResultFrame(call.ID, res)
	if err != nil {
		c.logger.Error("Failed to encode permission result", "tool_use_id", call.ID, "error", err)
		return
	}
	if err := send(frame); err != nil && ctx.Err() == nil {
		c.logger.Warn("Failed to send permission result", "tool_use_id", call.ID, "error", err)
	}
}
