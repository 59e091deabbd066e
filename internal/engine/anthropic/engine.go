// Package anthropic implements the agent engine on the Anthropic Messages
// API with a built-in file and shell toolset.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/engine"
)

// DefaultModel is used when Options.Model is empty.
const DefaultModel = "claude-sonnet-4-20250514"

const defaultSystemPrompt = `You are a coding agent working in the user's project directory.
Use the tools to inspect and change files and to run commands.
Prefer small, verifiable steps and report what you changed.`

// Options configures the engine.
type Options struct {
	APIKey       string
	BaseURL      string
	Model        string
	MaxTurns     int
	MaxTokens    int
	SystemPrompt string
	// RequestOptions are appended to the client options; tests use them
	// to disable retries.
	RequestOptions []option.RequestOption
}

// TranscriptStore persists conversation transcripts keyed by resume token.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, token, sessionID string, data []byte) error
	LoadTranscript(ctx context.Context, token string) ([]byte, error)
}

type messageAPI interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Engine runs prompts as a multi-turn tool loop.
type Engine struct {
	client      sdk.Client
	api         messageAPI
	opts        Options
	tools       []tool
	transcripts TranscriptStore
	shell       engine.Shell
	logger      *slog.Logger
}

// New creates an engine. shell runs the Bash tool; transcripts may be nil,
// in which case runs cannot be resumed across processes.
func New(opts Options, transcripts TranscriptStore, shell engine.Shell, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 50
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 8192
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if shell == nil {
		shell = engine.LocalShell{}
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	clientOpts = append(clientOpts, opts.RequestOptions...)

	e := &Engine{
		client:      sdk.NewClient(clientOpts...),
		opts:        opts,
		tools:       builtinTools(),
		transcripts: transcripts,
		shell:       shell,
		logger:      logger,
	}
	e.api = &e.client.Messages
	return e
}

// Open implements engine.Engine.
func (e *Engine) Open(ctx context.Context, req engine.Request) iter.Seq2[domain.Message, error] {
	return func(yield func(domain.Message, error) bool) {
		started := time.Now()
		logger := e.logger.With("session_id", req.SessionID)

		token := req.ResumeToken
		var history transcript
		if token != "" {
			loaded, err := e.loadTranscript(ctx, token)
			if err != nil {
				yield(nil, err)
				return
			}
			if loaded == nil {
				logger.Warn("No transcript for resume token, starting fresh", "token", token)
			}
			history = loaded
		} else {
			token = engine.NewID()
		}

		defer e.saveTranscript(context.WithoutCancel(ctx), token, req.SessionID, &history)

		if !yield(engine.InitMessage(token, req.Cwd, e.opts.Model, e.toolNames()), nil) {
			return
		}

		history = append(history, turn{Role: roleUser, Blocks: []block{{Type: blockText, Text: req.Prompt}}})
		env := toolEnv{sessionID: req.SessionID, cwd: req.Cwd, shell: e.shell}

		for turns := 1; ; turns++ {
			if turns > e.opts.MaxTurns {
				yield(engine.ResultMessage(token, engine.SubtypeErrorMaxTurns,
					fmt.Sprintf("Reached the maximum of %d turns", e.opts.MaxTurns),
					turns-1, time.Since(started).Milliseconds()), nil)
				return
			}

			resp, err := e.api.New(ctx, e.params(history))
			if err != nil {
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, fmt.Errorf("anthropic messages: %w", err))
				return
			}

			assistant := turnFromResponse(resp)
			history = append(history, assistant)
			if !yield(engine.AssistantMessage(token, assistant.contentBlocks()...), nil) {
				return
			}

			calls := assistant.toolUses()
			if resp.StopReason != sdk.StopReasonToolUse || len(calls) == 0 {
				yield(engine.ResultMessage(token, engine.SubtypeSuccess, assistant.text(),
					turns, time.Since(started).Milliseconds()), nil)
				return
			}

			results := make([]block, 0, len(calls))
			for _, call := range calls {
				results = append(results, e.runTool(ctx, req, env, call))
			}
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}

			toolTurn := turn{Role: roleUser, Blocks: results}
			history = append(history, toolTurn)
			if !yield(engine.UserMessage(token, toolTurn.contentBlocks()...), nil) {
				return
			}
		}
	}
}

func (e *Engine) runTool(ctx context.Context, req engine.Request, env toolEnv, call block) block {
	input := call.Input
	if req.CanUseTool != nil {
		decision, err := req.CanUseTool(ctx, engine.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input})
		if err != nil {
			return toolError(call.ID, err.Error())
		}
		if !decision.Allowed() {
			msg := decision.Message
			if msg == "" {
				msg = "Permission denied"
			}
			return toolError(call.ID, msg)
		}
		if len(decision.UpdatedInput) > 0 {
			input = decision.UpdatedInput
		}
	}

	t, ok := e.lookupTool(call.Name)
	if !ok {
		return toolError(call.ID, fmt.Sprintf("Unknown tool %q", call.Name))
	}

	out, err := t.run(ctx, env, input)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return toolError(call.ID, "Interrupted")
		}
		return toolError(call.ID, err.Error())
	}
	return block{Type: blockToolResult, ToolUseID: call.ID, Content: out}
}

func toolError(id, msg string) block {
	return block{Type: blockToolResult, ToolUseID: id, Content: msg, IsError: true}
}

func (e *Engine) lookupTool(name string) (tool, bool) {
	for _, t := range e.tools {
		if t.name == name {
			return t, true
		}
	}
	return tool{}, false
}

func (e *Engine) toolNames() []string {
	names := make([]string, len(e.tools))
	for i, t := range e.tools {
		names[i] = t.name
	}
	return names
}

func (e *Engine) params(history transcript) sdk.MessageNewParams {
	tools := make([]sdk.ToolUnionParam, len(e.tools))
	for i, t := range e.tools {
		tools[i] = sdk.ToolUnionParam{
			OfTool: &sdk.ToolParam{
				Name:        t.name,
				Description: param.NewOpt(t.description),
				InputSchema: sdk.ToolInputSchemaParam{
					Properties: t.schema["properties"],
				},
			},
		}
	}

	return sdk.MessageNewParams{
		Model:     sdk.Model(e.opts.Model),
		Messages:  history.params(),
		MaxTokens: int64(e.opts.MaxTokens),
		System:    []sdk.TextBlockParam{{Text: e.opts.SystemPrompt}},
		Tools:     tools,
	}
}

func (e *Engine) loadTranscript(ctx context.Context, token string) (transcript, error) {
	if e.transcripts == nil {
		return nil, nil
	}
	data, err := e.transcripts.LoadTranscript(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var t transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return t, nil
}

func (e *Engine) saveTranscript(ctx context.Context, token, sessionID string, history *transcript) {
	if e.transcripts == nil || len(*history) == 0 {
		return
	}
	data, err := json.Marshal(history.trimDangling())
	if err != nil {
		e.logger.Warn("Failed to encode transcript", "session_id", sessionID, "error", err)
		return
	}
	if err := e.transcripts.SaveTranscript(ctx, token, sessionID, data); err != nil {
		e.logger.Warn("Failed to save transcript", "session_id", sessionID, "error", err)
	}
}

// GenerateTitle implements engine.Titler.
func (e *Engine) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	resp, err := e.api.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(e.opts.Model),
		MaxTokens: 32,
		System: []sdk.TextBlockParam{{
			Text: "Write a short title (at most six words) for a coding session that starts with the user's message. Reply with the title only.",
		}},
		Messages: []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(prompt))},
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(turnFromResponse(resp).text()), `"'`)
	if title == "" {
		return "", errors.New("generate title: empty response")
	}
	return title, nil
}
