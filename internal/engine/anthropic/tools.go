package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ashureev/cody/internal/engine"
	"github.com/ashureev/cody/internal/permission"
)

const (
	maxReadLines   = 2000
	maxOutputBytes = 30000
	maxGlobMatches = 200
)

var errToolInput = errors.New("invalid tool input")

// toolEnv is what a tool sees of the run that invoked it.
type toolEnv struct {
	sessionID string
	cwd       string
	shell     engine.Shell
}

type tool struct {
	name        string
	description string
	schema      map[string]any
	run         func(ctx context.Context, env toolEnv, input json.RawMessage) (string, error)
}

func builtinTools() []tool {
	return []tool{
		{
			name:        "Read",
			description: "Read a text file. Returns numbered lines.",
			schema: objectSchema(map[string]any{
				"file_path": stringProp("Absolute or cwd-relative path"),
				"offset":    intProp("1-based line to start from"),
				"limit":     intProp("Maximum number of lines"),
			}, "file_path"),
			run: runRead,
		},
		{
			name:        "Write",
			description: "Create or overwrite a file with the given content.",
			schema: objectSchema(map[string]any{
				"file_path": stringProp("Absolute or cwd-relative path"),
				"content":   stringProp("Full file content"),
			}, "file_path", "content"),
			run: runWrite,
		},
		{
			name:        "Edit",
			description: "Replace an exact string in a file. old_string must be unique unless replace_all is set.",
			schema: objectSchema(map[string]any{
				"file_path":   stringProp("Absolute or cwd-relative path"),
				"old_string":  stringProp("Text to replace"),
				"new_string":  stringProp("Replacement text"),
				"replace_all": map[string]any{"type": "boolean"},
			}, "file_path", "old_string", "new_string"),
			run: runEdit,
		},
		{
			name:        "Glob",
			description: "List files matching a glob pattern.",
			schema: objectSchema(map[string]any{
				"pattern": stringProp("Glob pattern, e.g. *.go or internal/*/*.go"),
				"path":    stringProp("Directory to search from; defaults to the working directory"),
			}, "pattern"),
			run: runGlob,
		},
		{
			name:        "Bash",
			description: "Run a bash command in the working directory.",
			schema: objectSchema(map[string]any{
				"command": stringProp("Command line to execute"),
			}, "command"),
			run: runBash,
		},
		{
			name:        permission.ClarificationTool,
			description: "Ask the user clarifying questions and wait for their answers.",
			schema: objectSchema(map[string]any{
				"questions": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "object"},
				},
			}, "questions"),
			run: runAskUser,
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{"type": "object", "properties": props, "required": required}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func decodeInput(input json.RawMessage, v any) error {
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%w: %v", errToolInput, err)
	}
	return nil
}

func resolvePath(cwd, p string) string {
	if p == "" || filepath.IsAbs(p) || cwd == "" {
		return p
	}
	return filepath.Join(cwd, p)
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (output truncated)"
}

func runRead(_ context.Context, env toolEnv, input json.RawMessage) (string, error) {
	var in struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if in.FilePath == "" {
		return "", fmt.Errorf("%w: file_path is required", errToolInput)
	}

	data, err := os.ReadFile(resolvePath(env.cwd, in.FilePath))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", in.FilePath, err)
	}

	lines := strings.Split(string(data), "\n")
	start := max(in.Offset, 1)
	limit := in.Limit
	if limit <= 0 || limit > maxReadLines {
		limit = maxReadLines
	}

	var b strings.Builder
	for i := start - 1; i < len(lines) && i < start-1+limit; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	return truncate(b.String()), nil
}

func runWrite(_ context.Context, env toolEnv, input json.RawMessage) (string, error) {
	var in struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if in.FilePath == "" {
		return "", fmt.Errorf("%w: file_path is required", errToolInput)
	}

	path := resolvePath(env.cwd, in.FilePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create directory for %s: %w", in.FilePath, err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", in.FilePath, err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(in.Content), in.FilePath), nil
}

func runEdit(_ context.Context, env toolEnv, input json.RawMessage) (string, error) {
	var in struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if in.OldString == "" {
		return "", fmt.Errorf("%w: old_string is required", errToolInput)
	}

	path := resolvePath(env.cwd, in.FilePath)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", in.FilePath, err)
	}

	content := string(data)
	count := strings.Count(content, in.OldString)
	switch {
	case count == 0:
		return "", fmt.Errorf("old_string not found in %s", in.FilePath)
	case count > 1 && !in.ReplaceAll:
		return "", fmt.Errorf("old_string appears %d times in %s; set replace_all or add context", count, in.FilePath)
	}

	n := 1
	if in.ReplaceAll {
		n = -1
	}
	content = strings.Replace(content, in.OldString, in.NewString, n)

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", in.FilePath, err)
	}
	if err := os.WriteFile(path, []byte(content), info.Mode().Perm()); err != nil {
		return "", fmt.Errorf("write %s: %w", in.FilePath, err)
	}
	if in.ReplaceAll {
		return fmt.Sprintf("Replaced %d occurrences in %s", count, in.FilePath), nil
	}
	return fmt.Sprintf("Edited %s", in.FilePath), nil
}

func runGlob(_ context.Context, env toolEnv, input json.RawMessage) (string, error) {
	var in struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if in.Pattern == "" {
		return "", fmt.Errorf("%w: pattern is required", errToolInput)
	}

	base := env.cwd
	if in.Path != "" {
		base = resolvePath(env.cwd, in.Path)
	}
	matches, err := filepath.Glob(filepath.Join(base, in.Pattern))
	if err != nil {
		return "", fmt.Errorf("glob %s: %w", in.Pattern, err)
	}
	if len(matches) == 0 {
		return "No files found", nil
	}

	sort.Strings(matches)
	truncated := len(matches) > maxGlobMatches
	if truncated {
		matches = matches[:maxGlobMatches]
	}
	out := strings.Join(matches, "\n")
	if truncated {
		out += "\n... (more matches omitted)"
	}
	return out, nil
}

func runBash(ctx context.Context, env toolEnv, input json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Command) == "" {
		return "", fmt.Errorf("%w: command is required", errToolInput)
	}
	if env.shell == nil {
		return "", errors.New("no shell configured")
	}

	res, err := env.shell.Exec(ctx, env.sessionID, env.cwd, in.Command)
	if err != nil {
		return "", fmt.Errorf("exec: %w", err)
	}
	out := truncate(res.Output)
	if res.ExitCode != 0 {
		return "", fmt.Errorf("exit status %d\n%s", res.ExitCode, out)
	}
	return out, nil
}

// runAskUser returns the answers the human supplied through the
// permission response's updated input.
func runAskUser(_ context.Context, _ toolEnv, input json.RawMessage) (string, error) {
	var in map[string]any
	if err := decodeInput(input, &in); err != nil {
		return "", err
	}
	if answers, ok := in["answers"]; ok {
		data, err := json.Marshal(answers)
		if err != nil {
			return "", fmt.Errorf("encode answers: %w", err)
		}
		return "User answered: " + string(data), nil
	}
	return "The user did not provide answers.", nil
}
