// Package remote runs the agent engine in another process over a gRPC
// bidirectional stream of structpb.Struct frames.
package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/cody/internal/domain"
)

const (
	// ServiceName is the gRPC service the engine server registers and the
	// client health-checks.
	ServiceName = "cody.agent.v1.AgentEngine"
	// RunMethod is the full method name of the run stream.
	RunMethod = "/" + ServiceName + "/Run"
)

// Frame kinds.
const (
	kindOpen             = "open"
	kindMessage          = "message"
	kindPermission       = "permission"
	kindPermissionResult = "permission_result"
	kindError            = "error"
)

var (
	errRemote        = errors.New("remote engine error")
	errUnexpectedEOF = errors.New("remote stream closed before open frame")
)

var runStreamDesc = grpc.StreamDesc{
	StreamName:    "Run",
	ServerStreams: true,
	ClientStreams: true,
}

// runHandler is implemented by Server.
type runHandler interface {
	Run(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*runHandler)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    runStreamDesc.StreamName,
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(runHandler).Run(stream)
		},
	}},
	Metadata: "cody/agent/v1/agent.proto",
}

// RegisterAgentEngineServer registers srv on s.
func RegisterAgentEngineServer(s *grpc.Server, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}

// toStruct converts v to a Struct through its JSON form, so nested Go
// slices and maps of any concrete type are accepted.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build frame: %w", err)
	}
	return s, nil
}

func rawJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func decodeRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func frameKind(f *structpb.Struct) string {
	return f.GetFields()["kind"].GetStringValue()
}

func frameString(f *structpb.Struct, key string) string {
	return f.GetFields()[key].GetStringValue()
}

func frameMessage(f *structpb.Struct) domain.Message {
	inner := f.GetFields()["message"].GetStructValue()
	if inner == nil {
		return domain.Message{}
	}
	return domain.Message(inner.AsMap())
}

func permissionResultFrame(toolUseID string, res domain.PermissionResult) (*structpb.Struct, error) {
	m := map[string]any{
		"kind":        kindPermissionResult,
		"tool_use_id": toolUseID,
		"behavior":    res.Behavior,
	}
	if res.Message != "" {
		m["message"] = res.Message
	}
	if in := decodeRaw(res.UpdatedInput); in != nil {
		m["updated_input"] = in
	}
	return toStruct(m)
}

func parsePermissionResult(f *structpb.Struct) domain.PermissionResult {
	fields := f.GetFields()
	res := domain.PermissionResult{
		Behavior: fields["behavior"].GetStringValue(),
		Message:  fields["message"].GetStringValue(),
	}
	if v, ok := fields["updated_input"]; ok {
		res.UpdatedInput = rawJSON(v.AsInterface())
	}
	return res
}
