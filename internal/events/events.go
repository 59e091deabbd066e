// Package events defines the closed set of commands the server accepts and
// events it emits, together with their JSON envelope.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/cody/internal/domain"
)

// Event types.
const (
	TypeStreamMessage     = "stream.message"
	TypeStreamUserPrompt  = "stream.user_prompt"
	TypeSessionStatus     = "session.status"
	TypeSessionList       = "session.list"
	TypeSessionHistory    = "session.history"
	TypeSessionDeleted    = "session.deleted"
	TypePermissionRequest = "permission.request"
	TypeRunnerError       = "runner.error"
)

// Event is an outbound event. The unexported method closes the set to
// the types declared in this package.
type Event interface {
	Type() string
	event()
}

// StreamMessage forwards one engine message verbatim.
type StreamMessage struct {
	SessionID string         `json:"sessionId"`
	Message   domain.Message `json:"message"`
}

// StreamUserPrompt echoes a submitted prompt.
type StreamUserPrompt struct {
	SessionID string `json:"sessionId"`
	Prompt    string `json:"prompt"`
}

// SessionStatus reports a status transition.
type SessionStatus struct {
	SessionID string        `json:"sessionId"`
	Status    domain.Status `json:"status"`
	Title     string        `json:"title,omitempty"`
	Cwd       string        `json:"cwd,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SessionList is a snapshot of all sessions.
type SessionList struct {
	Sessions []domain.SessionSummary `json:"sessions"`
}

// SessionHistory is the durable record of one session.
type SessionHistory struct {
	SessionID string                 `json:"sessionId"`
	Status    domain.Status          `json:"status"`
	Session   *domain.SessionSummary `json:"session,omitempty"`
	Messages  []domain.Message       `json:"messages"`
}

// SessionDeleted reports that a session is gone or never existed.
type SessionDeleted struct {
	SessionID string `json:"sessionId"`
}

// PermissionRequest asks observers for a tool decision.
type PermissionRequest struct {
	SessionID string          `json:"sessionId"`
	ToolUseID string          `json:"toolUseId"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
}

// RunnerError is the only way failures cross the event boundary.
type RunnerError struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
}

func (StreamMessage) Type() string     { return TypeStreamMessage }
func (StreamUserPrompt) Type() string  { return TypeStreamUserPrompt }
func (SessionStatus) Type() string     { return TypeSessionStatus }
func (SessionList) Type() string       { return TypeSessionList }
func (SessionHistory) Type() string    { return TypeSessionHistory }
func (SessionDeleted) Type() string    { return TypeSessionDeleted }
func (PermissionRequest) Type() string { return TypePermissionRequest }
func (RunnerError) Type() string       { return TypeRunnerError }

func (StreamMessage) event()     {}
func (StreamUserPrompt) event()  {}
func (SessionStatus) event()     {}
func (SessionList) event()       {}
func (SessionHistory) event()    {}
func (SessionDeleted) event()    {}
func (PermissionRequest) event() {}
func (RunnerError) event()       {}

// SessionOf returns the session an event belongs to, or "" for global events.
func SessionOf(e Event) string {
	switch ev := e.(type) {
	case StreamMessage:
		return ev.SessionID
	case StreamUserPrompt:
		return ev.SessionID
	case SessionStatus:
		return ev.SessionID
	case SessionHistory:
		return ev.SessionID
	case SessionDeleted:
		return ev.SessionID
	case PermissionRequest:
		return ev.SessionID
	case RunnerError:
		return ev.SessionID
	case SessionList:
		return ""
	default:
		panic(fmt.Sprintf("events: unhandled event type %T", e))
	}
}

// Envelope is the wire form shared by commands and events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an event into its envelope.
func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type(), err)
	}
	data, err := json.Marshal(Envelope{Type: e.Type(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type(), err)
	}
	return data, nil
}
