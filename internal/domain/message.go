package domain

import (
	"encoding/json"
	"time"
)

// Message is an opaque structured record, either passed through from the
// agent engine or synthesized by the server (user prompt echo).
type Message map[string]any

// Message types the server inspects.
const (
	MessageTypeSystem     = "system"
	MessageTypeResult     = "result"
	MessageTypeUserPrompt = "user_prompt"

	SubtypeInit    = "init"
	SubtypeSuccess = "success"
)

// Type returns the "type" tag of the message.
func (m Message) Type() string {
	return m.String("type")
}

// Subtype returns the "subtype" tag of the message.
func (m Message) Subtype() string {
	return m.String("subtype")
}

// ID returns the engine-provided message identity, if any.
func (m Message) ID() string {
	return m.String("uuid")
}

// String returns the value at key when it is a string.
func (m Message) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Bool returns the value at key when it is a bool.
func (m Message) Bool(key string) bool {
	v, _ := m[key].(bool)
	return v
}

// IsInit reports whether m is the engine initialization record.
func (m Message) IsInit() bool {
	return m.Type() == MessageTypeSystem && m.Subtype() == SubtypeInit
}

// IsResult reports whether m is the terminal result record.
func (m Message) IsResult() bool {
	return m.Type() == MessageTypeResult
}

// Succeeded reports whether a result record signals success.
func (m Message) Succeeded() bool {
	return m.Subtype() == SubtypeSuccess && !m.Bool("is_error")
}

// UserPromptMessage builds the synthetic record stored for a submitted prompt.
func UserPromptMessage(prompt string) Message {
	return Message{"type": MessageTypeUserPrompt, "prompt": prompt}
}

// StoredMessage is an append-only log entry scoped to a session.
type StoredMessage struct {
	ID        string
	SessionID string
	Data      json.RawMessage
	CreatedAt time.Time
}
