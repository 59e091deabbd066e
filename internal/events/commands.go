package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ashureev/cody/internal/domain"
)

// Command types.
const (
	CmdSessionStart       = "session.start"
	CmdSessionContinue    = "session.continue"
	CmdSessionStop        = "session.stop"
	CmdSessionDelete      = "session.delete"
	CmdSessionList        = "session.list"
	CmdSessionHistory     = "session.history"
	CmdPermissionResponse = "permission.response"
)

var (
	// ErrUnknownCommand is returned for command types this server does not know.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidCommand is returned for malformed commands.
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is an inbound command.
type Command interface {
	CommandType() string
	command()
}

// StartSession creates a session and runs its first prompt.
type StartSession struct {
	Title          string                `json:"title"`
	Prompt         string                `json:"prompt"`
	Cwd            string                `json:"cwd,omitempty"`
	AllowedTools   *string               `json:"allowedTools,omitempty"`
	PermissionMode domain.PermissionMode `json:"permissionMode,omitempty"`
}

// ContinueSession runs another prompt on an existing session.
type ContinueSession struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// StopSession aborts the session's run.
type StopSession struct {
	SessionID string `json:"sessionId"`
}

// DeleteSession removes a session and its history.
type DeleteSession struct {
	SessionID string `json:"sessionId"`
}

// ListSessions requests a session list snapshot.
type ListSessions struct{}

// GetHistory requests the durable record of a session.
type GetHistory struct {
	SessionID string `json:"sessionId"`
}

// PermissionResponse answers a pending permission request.
type PermissionResponse struct {
	SessionID string                  `json:"sessionId"`
	ToolUseID string                  `json:"toolUseId"`
	Result    domain.PermissionResult `json:"result"`
}

func (StartSession) CommandType() string       { return CmdSessionStart }
func (ContinueSession) CommandType() string    { return CmdSessionContinue }
func (StopSession) CommandType() string        { return CmdSessionStop }
func (DeleteSession) CommandType() string      { return CmdSessionDelete }
func (ListSessions) CommandType() string       { return CmdSessionList }
func (GetHistory) CommandType() string         { return CmdSessionHistory }
func (PermissionResponse) CommandType() string { return CmdPermissionResponse }

func (StartSession) command()       {}
func (ContinueSession) command()    {}
func (StopSession) command()        {}
func (DeleteSession) command()      {}
func (ListSessions) command()       {}
func (GetHistory) command()         {}
func (PermissionResponse) command() {}

// DecodeCommand parses and validates a command envelope.
func DecodeCommand(data []byte) (Command, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	switch env.Type {
	case CmdSessionStart:
		var c StartSession
		if err := decodePayload(env, &c); err != nil {
			return nil, err
		}
		if strings.TrimSpace(c.Prompt) == "" {
			return nil, invalid(env.Type, "prompt is required")
		}
		if c.PermissionMode != "" && !c.PermissionMode.Valid() {
			return nil, invalid(env.Type, fmt.Sprintf("unknown permission mode %q", c.PermissionMode))
		}
		return c, nil

	case CmdSessionContinue:
		var c ContinueSession
		if err := decodePayload(env, &c); err != nil {
			return nil, err
		}
		if c.SessionID == "" {
			return nil, invalid(env.Type, "sessionId is required")
		}
		if strings.TrimSpace(c.Prompt) == "" {
			return nil, invalid(env.Type, "prompt is required")
		}
		return c, nil

	case CmdSessionStop:
		var c StopSession
		if err := decodeSessionCommand(env, &c.SessionID); err != nil {
			return nil, err
		}
		return c, nil

	case CmdSessionDelete:
		var c DeleteSession
		if err := decodeSessionCommand(env, &c.SessionID); err != nil {
			return nil, err
		}
		return c, nil

	case CmdSessionHistory:
		var c GetHistory
		if err := decodeSessionCommand(env, &c.SessionID); err != nil {
			return nil, err
		}
		return c, nil

	case CmdSessionList:
		return ListSessions{}, nil

	case CmdPermissionResponse:
		var c PermissionResponse
		if err := decodePayload(env, &c); err != nil {
			return nil, err
		}
		if c.SessionID == "" || c.ToolUseID == "" {
			return nil, invalid(env.Type, "sessionId and toolUseId are required")
		}
		switch c.Result.Behavior {
		case domain.BehaviorAllow, domain.BehaviorDeny:
		default:
			return nil, invalid(env.Type, fmt.Sprintf("unknown behavior %q", c.Result.Behavior))
		}
		return c, nil

	case "":
		return nil, invalid("", "type is required")

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, env.Type)
	}
}

func decodePayload(env Envelope, v any) error {
	if len(env.Payload) == 0 {
		return invalid(env.Type, "payload is required")
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCommand, env.Type, err)
	}
	return nil
}

func decodeSessionCommand(env Envelope, id *string) error {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	if p.SessionID == "" {
		return invalid(env.Type, "sessionId is required")
	}
	*id = p.SessionID
	return nil
}

func invalid(cmdType, reason string) error {
	if cmdType == "" {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, reason)
	}
	return fmt.Errorf("%w: %s: %s", ErrInvalidCommand, cmdType, reason)
}
