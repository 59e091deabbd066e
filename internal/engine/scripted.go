package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/ashureev/cody/internal/domain"
)

// Script drives a Scripted engine. emit returns false once the consumer
// stopped or ctx was cancelled; the script should return then.
type Script func(ctx context.Context, req Request, emit func(domain.Message) bool) error

// Scripted is an in-process engine driven by a Script.
type Scripted struct {
	script Script
}

// NewScripted creates an engine that runs script for every request.
func NewScripted(script Script) *Scripted {
	return &Scripted{script: script}
}

// Open implements Engine.
func (s *Scripted) Open(ctx context.Context, req Request) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		stopped := false
		emit := func(msg domain.Message) bool {
			if stopped || ctx.Err() != nil {
				return false
			}
			if !yield(msg, nil) {
				stopped = true
				return false
			}
			return true
		}

		err := s.script(ctx, req, emit)
		if stopped {
			return
		}
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// Echo returns the engine used when no model is configured. It answers
// every prompt with the prompt itself. A prompt starting with "!" is
// treated as a Bash request and goes through the authorization hook first,
// but the command is never executed.
func Echo() *Scripted {
	return NewScripted(func(ctx context.Context, req Request, emit func(domain.Message) bool) error {
		started := time.Now()
		token := req.ResumeToken
		if token == "" {
			token = NewID()
		}
		if !emit(InitMessage(token, req.Cwd, "echo", []string{"Bash"})) {
			return nil
		}

		if command, ok := strings.CutPrefix(req.Prompt, "!"); ok && req.CanUseTool != nil {
			input, err := json.Marshal(map[string]string{"command": strings.TrimSpace(command)})
			if err != nil {
				return fmt.Errorf("encode tool input: %w", err)
			}
			call := ToolCall{ID: NewID(), Name: "Bash", Input: input}
			if !emit(AssistantMessage(token, ToolUseBlock(call.ID, call.Name, call.Input))) {
				return nil
			}

			result, err := req.CanUseTool(ctx, call)
			if err != nil {
				return fmt.Errorf("authorize %s: %w", call.Name, err)
			}
			content := "approved (echo engine does not execute commands)"
			if !result.Allowed() {
				content = result.Message
			}
			if !emit(UserMessage(token, ToolResultBlock(call.ID, content, !result.Allowed()))) {
				return nil
			}
		}

		if !emit(AssistantMessage(token, TextBlock(req.Prompt))) {
			return nil
		}
		emit(ResultMessage(token, SubtypeSuccess, req.Prompt, 1, time.Since(started).Milliseconds()))
		return nil
	})
}
