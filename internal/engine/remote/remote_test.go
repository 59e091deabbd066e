package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/engine"
)

func startServer(t *testing.T, eng engine.Engine) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterAgentEngineServer(srv, NewServer(eng, nil))
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := Dial(DefaultConfig("passthrough:///bufnet"), nil,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func drain(ctx context.Context, c *Client, req engine.Request) ([]domain.Message, error) {
	var msgs []domain.Message
	for msg, err := range c.Open(ctx, req) {
		if err != nil {
			return msgs, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func TestRemoteRunStreamsMessages(t *testing.T) {
	client := startServer(t, engine.Echo())

	msgs, err := drain(context.Background(), client, engine.Request{SessionID: "s1", Prompt: "hello", ResumeToken: "tok-1"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if !msgs[0].IsInit() || msgs[0].String("session_id") != "tok-1" {
		t.Fatalf("first message = %v", msgs[0])
	}
	if !msgs[2].IsResult() || !msgs[2].Succeeded() {
		t.Fatalf("last message = %v", msgs[2])
	}
}

func TestRemotePermissionRoundTrip(t *testing.T) {
	client := startServer(t, engine.Echo())

	var got engine.ToolCall
	msgs, err := drain(context.Background(), client, engine.Request{
		SessionID: "s1",
		Prompt:    "!ls -la",
		CanUseTool: func(_ context.Context, call engine.ToolCall) (domain.PermissionResult, error) {
			got = call
			return domain.Deny("operator said no"), nil
		},
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got.Name != "Bash" || got.ID == "" {
		t.Fatalf("hook call = %+v", got)
	}
	var input map[string]string
	if err := json.Unmarshal(got.Input, &input); err != nil || input["command"] != "ls -la" {
		t.Fatalf("hook input = %s", got.Input)
	}

	toolResult, _ := json.Marshal(msgs[2])
	if !strings.Contains(string(toolResult), "operator said no") {
		t.Fatalf("tool result = %s", toolResult)
	}
}

func TestRemoteEngineErrorSurfaces(t *testing.T) {
	client := startServer(t, engine.NewScripted(func(context.Context, engine.Request, func(domain.Message) bool) error {
		return errors.New("model unavailable")
	}))

	_, err := drain(context.Background(), client, engine.Request{SessionID: "s1", Prompt: "x"})
	if !errors.Is(err, errRemote) || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("error = %v, want remote engine error", err)
	}
}

func TestRemoteCancelEndsRun(t *testing.T) {
	client := startServer(t, engine.Echo())
	ctx, cancel := context.WithCancel(context.Background())

	asked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := drain(ctx, client, engine.Request{
			SessionID: "s1",
			Prompt:    "!sleep",
			CanUseTool: func(ctx context.Context, _ engine.ToolCall) (domain.PermissionResult, error) {
				close(asked)
				<-ctx.Done()
				return domain.Deny("aborted"), nil
			},
		})
		done <- err
	}()

	<-asked
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after cancel")
	}
}

func TestRemoteHealth(t *testing.T) {
	client := startServer(t, engine.Echo())
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("Health() error = %v", err)
	}
}

func TestPermissionResultFrameRoundTrip(t *testing.T) {
	frame, err := permissionResultFrame("t1", domain.Allow(json.RawMessage(`{"answers":{"a":"b"}}`)))
	if err != nil {
		t.Fatalf("permissionResultFrame() error = %v", err)
	}
	if frameKind(frame) != kindPermissionResult || frameString(frame, "tool_use_id") != "t1" {
		t.Fatalf("frame = %v", frame)
	}
	res := parsePermissionResult(frame)
	if !res.Allowed() || string(res.UpdatedInput) != `{"answers":{"a":"b"}}` {
		t.Fatalf("parsed result = %+v", res)
	}
}
