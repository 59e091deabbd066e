package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/engine"
	"github.com/ashureev/cody/internal/permission"
)

// Server exposes a local engine over the run stream.
type Server struct {
	engine engine.Engine
	logger *slog.Logger
}

// NewServer wraps eng.
func NewServer(eng engine.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: eng, logger: logger}
}

// Run serves one run stream.
func (s *Server) Run(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	open := new(structpb.Struct)
	if err := stream.RecvMsg(open); err != nil {
		if errors.Is(err, io.EOF) {
			return status.Error(codes.InvalidArgument, errUnexpectedEOF.Error())
		}
		return err
	}
	if frameKind(open) != kindOpen {
		return status.Errorf(codes.InvalidArgument, "expected %s frame, got %q", kindOpen, frameKind(open))
	}

	var sendMu sync.Mutex
	send := func(f *structpb.Struct) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.SendMsg(f)
	}

	w := &waiters{pending: make(map[string]chan domain.PermissionResult)}
	go func() {
		for {
			f := new(structpb.Struct)
			if err := stream.RecvMsg(f); err != nil {
				cancel()
				return
			}
			if frameKind(f) == kindPermissionResult {
				w.deliver(frameString(f, "tool_use_id"), parsePermissionResult(f))
			}
		}
	}()

	req := engine.Request{
		SessionID:      frameString(open, "session_id"),
		Prompt:         frameString(open, "prompt"),
		Cwd:            frameString(open, "cwd"),
		ResumeToken:    frameString(open, "resume_token"),
		PermissionFlag: frameString(open, "permission_flag"),
		CanUseTool: func(ctx context.Context, call engine.ToolCall) (domain.PermissionResult, error) {
			ch := w.add(call.ID)
			frame, err := toStruct(map[string]any{
				"kind":        kindPermission,
				"tool_use_id": call.ID,
				"tool_name":   call.Name,
				"input":       decodeRaw(call.Input),
			})
			if err != nil {
				w.remove(call.ID)
				return domain.PermissionResult{}, err
			}
			if err := send(frame); err != nil {
				w.remove(call.ID)
				return domain.PermissionResult{}, err
			}
			select {
			case res := <-ch:
				return res, nil
			case <-ctx.Done():
				w.remove(call.ID)
				return domain.Deny(permission.ReasonAborted), nil
			}
		},
	}
	logger := s.logger.With("session_id", req.SessionID)
	logger.Info("Remote run started")

	for msg, err := range s.engine.Open(ctx, req) {
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Remote run cancelled")
				return nil
			}
			logger.Error("Remote run failed", "error", err)
			frame, encErr := toStruct(map[string]any{"kind": kindError, "message": err.Error()})
			if encErr != nil {
				return status.Error(codes.Internal, err.Error())
			}
			return send(frame)
		}

		frame, err := toStruct(map[string]any{"kind": kindMessage, "message": msg})
		if err != nil {
			logger.Warn("Dropping unencodable message", "error", err)
			continue
		}
		if err := send(frame); err != nil {
			return err
		}
	}
	return nil
}

type waiters struct {
	mu      sync.Mutex
	pending map[string]chan domain.PermissionResult
}

func (w *waiters) add(id string) chan domain.PermissionResult {
	ch := make(chan domain.PermissionResult, 1)
	w.mu.Lock()
	w.pending[id] = ch
	w.mu.Unlock()
	return ch
}

func (w *waiters) remove(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *waiters) deliver(id string, res domain.PermissionResult) {
	w.mu.Lock()
	ch, ok := w.pending[id]
	delete(w.pending, id)
	w.mu.Unlock()
	if ok {
		ch <- res
	}
}
