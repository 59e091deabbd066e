// Package engine defines the agent engine contract consumed by the runner
// and the message records engines produce.
package engine

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/ashureev/cody/internal/domain"
)

// Engine-level permission flags.
const (
	FlagDefault = "default"
	FlagBypass  = "bypassPermissions"
)

// FlagFor translates a session permission mode into the engine flag.
func FlagFor(mode domain.PermissionMode) string {
	if mode == domain.PermissionFree {
		return FlagBypass
	}
	return FlagDefault
}

// ToolCall is a tool invocation the engine wants to make.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolAuthorizer decides whether a tool call may run. Implementations may
// block until a human decides; they must return when ctx is done.
type ToolAuthorizer func(ctx context.Context, call ToolCall) (domain.PermissionResult, error)

// Request opens one run.
type Request struct {
	SessionID      string
	Prompt         string
	Cwd            string
	ResumeToken    string
	PermissionFlag string
	CanUseTool     ToolAuthorizer
}

// Engine runs prompts. The returned sequence ends after the terminal result
// message, on error, or when ctx is cancelled; cancellation yields ctx.Err().
type Engine interface {
	Open(ctx context.Context, req Request) iter.Seq2[domain.Message, error]
}

// Titler generates a short session title for a prompt.
type Titler interface {
	GenerateTitle(ctx context.Context, prompt string) (string, error)
}
