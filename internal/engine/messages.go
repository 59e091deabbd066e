package engine

import (
	"encoding/json"

	"github.com/ashureev/cody/internal/domain"
	"github.com/oklog/ulid/v2"
)

// Result subtypes.
const (
	SubtypeSuccess       = domain.SubtypeSuccess
	SubtypeErrorMaxTurns = "error_max_turns"
	SubtypeErrorDuring   = "error_during_execution"
)

// NewID returns a lexically sortable identifier for tokens and messages.
func NewID() string {
	return ulid.Make().String()
}

// InitMessage announces a run and carries its resume token.
func InitMessage(token, cwd, model string, tools []string) domain.Message {
	return domain.Message{
		"type":       domain.MessageTypeSystem,
		"subtype":    domain.SubtypeInit,
		"uuid":       NewID(),
		"session_id": token,
		"cwd":        cwd,
		"model":      model,
		"tools":      tools,
	}
}

// ContentBlock is one block of an assistant or user message.
type ContentBlock = map[string]any

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{"type": "text", "text": text}
}

// ToolUseBlock builds a tool_use content block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	var decoded any = map[string]any{}
	if len(input) > 0 {
		_ = json.Unmarshal(input, &decoded)
	}
	return ContentBlock{"type": "tool_use", "id": id, "name": name, "input": decoded}
}

// ToolResultBlock builds a tool_result content block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{"type": "tool_result", "tool_use_id": toolUseID, "content": content, "is_error": isError}
}

// AssistantMessage wraps assistant content blocks.
func AssistantMessage(token string, blocks ...ContentBlock) domain.Message {
	return domain.Message{
		"type":       "assistant",
		"uuid":       NewID(),
		"session_id": token,
		"message":    map[string]any{"role": "assistant", "content": blocks},
	}
}

// UserMessage wraps user content blocks, typically tool results.
func UserMessage(token string, blocks ...ContentBlock) domain.Message {
	return domain.Message{
		"type":       "user",
		"uuid":       NewID(),
		"session_id": token,
		"message":    map[string]any{"role": "user", "content": blocks},
	}
}

// ResultMessage is the terminal record of a run.
func ResultMessage(token, subtype, result string, turns int, durationMs int64) domain.Message {
	return domain.Message{
		"type":        domain.MessageTypeResult,
		"subtype":     subtype,
		"uuid":        NewID(),
		"session_id":  token,
		"is_error":    subtype != SubtypeSuccess,
		"result":      result,
		"num_turns":   turns,
		"duration_ms": durationMs,
	}
}
