package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/workspace"
)

type TruncationStrategy string

const (
	TruncHeadTail TruncationStrategy = "head_tail"
	TruncTail     TruncationStrategy = "tail"
)

type OutputLimit struct {
	MaxChars int
	MaxLines int
	Strategy TruncationStrategy
}

// CustomExec runs a custom tool against a workspace. Deltas returned are
// recorded on the node; output is truncated per the tool's limit.
type CustomExec func(ctx context.Context, ws *workspace.Workspace, raw json.RawMessage) (output string, deltas map[string]*string, err error)

// CustomTool is registered per sub-agent context and unioned into the
// vocabulary.
type CustomTool struct {
	Definition llm.ToolDefinition
	Limit      OutputLimit
	Exec       CustomExec
}

type registeredTool struct {
	definition llm.ToolDefinition
	schema     *jsonschema.Schema
	limit      OutputLimit
	exec       CustomExec // nil for built-ins
}

// Registry holds the tool vocabulary for one sub-agent: the fixed built-ins
// plus any registered custom tools.
type Registry struct {
	tools map[string]registeredTool
	order []string
}

func NewRegistry() *Registry {
	r := &Registry{tools: map[string]registeredTool{}}
	for _, def := range builtinDefinitions() {
		schema, err := compileSchema(def.InputSchema)
		if err != nil {
			panic(fmt.Sprintf("builtin tool %s schema: %v", def.Name, err))
		}
		r.tools[def.Name] = registeredTool{
			definition: def,
			schema:     schema,
			limit:      defaultLimit(def.Name),
		}
		r.order = append(r.order, def.Name)
	}
	return r
}

func (r *Registry) RegisterCustom(t CustomTool) error {
	if err := llm.ValidateToolName(t.Definition.Name); err != nil {
		return err
	}
	if t.Exec == nil {
		return fmt.Errorf("custom tool %s missing executor", t.Definition.Name)
	}
	if _, exists := r.tools[t.Definition.Name]; exists {
		return fmt.Errorf("tool %s already registered", t.Definition.Name)
	}
	schema, err := compileSchema(t.Definition.InputSchema)
	if err != nil {
		return fmt.Errorf("custom tool %s schema: %w", t.Definition.Name, err)
	}
	if t.Limit.MaxChars == 0 {
		t.Limit = defaultLimit(t.Definition.Name)
	}
	r.tools[t.Definition.Name] = registeredTool{
		definition: t.Definition,
		schema:     schema,
		limit:      t.Limit,
		exec:       t.Exec,
	}
	r.order = append(r.order, t.Definition.Name)
	return nil
}

func (r *Registry) lookup(name string) (registeredTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the vocabulary in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].definition)
	}
	return out
}

func builtinDefinitions() []llm.ToolDefinition {
	pathProp := map[string]any{"type": "string", "minLength": 1}
	return []llm.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read the content of a file in the workspace.",
			InputSchema: objectSchema(map[string]any{"path": pathProp}, []string{"path"}),
		},
		{
			Name:        "write_file",
			Description: "Write a file in the workspace, creating or replacing it.",
			InputSchema: objectSchema(map[string]any{
				"path":    pathProp,
				"content": map[string]any{"type": "string"},
			}, []string{"path", "content"}),
		},
		{
			Name:        "edit_file",
			Description: "Replace occurrences of search text in a file. The search text must match exactly once unless replace_all is set.",
			InputSchema: objectSchema(map[string]any{
				"path":        pathProp,
				"search":      map[string]any{"type": "string", "minLength": 1},
				"replace":     map[string]any{"type": "string"},
				"replace_all": map[string]any{"type": "boolean"},
			}, []string{"path", "search", "replace"}),
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the workspace.",
			InputSchema: objectSchema(map[string]any{"path": pathProp}, []string{"path"}),
		},
		{
			Name:        "complete",
			Description: "Mark the task as complete. Validators for the current stage will run; only call this after writing your changes.",
			InputSchema: objectSchema(map[string]any{}, nil),
		},
	}
}

func objectSchema(props map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func defaultLimit(name string) OutputLimit {
	switch name {
	case "read_file":
		return OutputLimit{MaxChars: 50_000, Strategy: TruncHeadTail}
	case "write_file", "delete_file":
		return OutputLimit{MaxChars: 1_000, Strategy: TruncTail}
	case "edit_file":
		return OutputLimit{MaxChars: 10_000, Strategy: TruncTail}
	case "npm_install":
		return OutputLimit{MaxChars: 20_000, MaxLines: 200, Strategy: TruncTail}
	default:
		return OutputLimit{MaxChars: 20_000, Strategy: TruncHeadTail}
	}
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = objectSchema(map[string]any{}, nil)
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func truncate(s string, lim OutputLimit) string {
	s = truncateChars(s, lim.MaxChars, lim.Strategy)
	if lim.MaxLines > 0 {
		s = truncateLines(s, lim.MaxLines)
	}
	return s
}

func truncateChars(s string, max int, strat TruncationStrategy) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	removed := len(s) - max
	switch strat {
	case TruncTail:
		marker := fmt.Sprintf("[Output truncated: first %d characters removed.]\n\n", removed)
		return marker + s[len(s)-max:]
	default:
		headCount := max / 2
		tailCount := max - headCount
		marker := fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. Re-run the tool with narrower parameters to see specific parts.]\n\n", removed)
		return s[:headCount] + marker + s[len(s)-tailCount:]
	}
}

func truncateLines(s string, max int) string {
	if max <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	headCount := max / 2
	tailCount := max - headCount
	omitted := len(lines) - headCount - tailCount
	marker := fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted)
	return strings.Join(lines[:headCount], "\n") + marker + strings.Join(lines[len(lines)-tailCount:], "\n")
}
