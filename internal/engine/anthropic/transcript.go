package anthropic

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/ashureev/cody/internal/engine"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"

	blockText       = "text"
	blockToolUse    = "tool_use"
	blockToolResult = "tool_result"
)

// block is the persisted form of one content block.
type block struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type turn struct {
	Role   string  `json:"role"`
	Blocks []block `json:"blocks"`
}

// transcript is the conversation replayed to the API on every request.
type transcript []turn

func turnFromResponse(resp *sdk.Message) turn {
	t := turn{Role: roleAssistant}
	for _, c := range resp.Content {
		switch c.Type {
		case blockText:
			t.Blocks = append(t.Blocks, block{Type: blockText, Text: c.Text})
		case blockToolUse:
			input := c.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			t.Blocks = append(t.Blocks, block{Type: blockToolUse, ID: c.ID, Name: c.Name, Input: input})
		}
	}
	return t
}

func (t turn) text() string {
	var parts []string
	for _, b := range t.Blocks {
		if b.Type == blockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (t turn) toolUses() []block {
	var calls []block
	for _, b := range t.Blocks {
		if b.Type == blockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

// contentBlocks renders the turn for stream messages.
func (t turn) contentBlocks() []engine.ContentBlock {
	out := make([]engine.ContentBlock, 0, len(t.Blocks))
	for _, b := range t.Blocks {
		switch b.Type {
		case blockText:
			out = append(out, engine.TextBlock(b.Text))
		case blockToolUse:
			out = append(out, engine.ToolUseBlock(b.ID, b.Name, b.Input))
		case blockToolResult:
			out = append(out, engine.ToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	return out
}

func (t turn) param() sdk.MessageParam {
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(t.Blocks))
	for _, b := range t.Blocks {
		switch b.Type {
		case blockText:
			if b.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			}
		case blockToolUse:
			blocks = append(blocks, sdk.NewToolUseBlock(b.ID, b.Input, b.Name))
		case blockToolResult:
			blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
		}
	}
	if t.Role == roleAssistant {
		return sdk.NewAssistantMessage(blocks...)
	}
	return sdk.NewUserMessage(blocks...)
}

func (t transcript) params() []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(t))
	for _, tr := range t {
		if len(tr.Blocks) == 0 {
			continue
		}
		out = append(out, tr.param())
	}
	return out
}

// trimDangling drops a trailing assistant turn whose tool calls never got
// results, which the API would reject on resume.
func (t transcript) trimDangling() transcript {
	if n := len(t); n > 0 && t[n-1].Role == roleAssistant && len(t[n-1].toolUses()) > 0 {
		return t[:n-1]
	}
	return t
}
