package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// Block is one element of a message's content sequence. Exactly one of the
// payload fields is set, selected by Kind.
type Block struct {
	Kind       BlockKind        `json:"kind"`
	Text       string           `json:"text,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
}

type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

type Message struct {
	Role   Role    `json:"role"`
	Blocks []Block `json:"blocks"`
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Kind == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, blk := range m.Blocks {
		if blk.Kind == BlockToolUse && blk.ToolUse != nil {
			out = append(out, *blk.ToolUse)
		}
	}
	return out
}

func TextBlock(text string) Block {
	return Block{Kind: BlockText, Text: text}
}

func ToolUse(id, name string, input json.RawMessage) Block {
	return Block{Kind: BlockToolUse, ToolUse: &ToolUseBlock{ID: id, Name: name, Input: input}}
}

func ToolResult(toolUseID, content string, isError bool) Block {
	return Block{Kind: BlockToolResult, ToolResult: &ToolResultBlock{ToolUseID: toolUseID, Content: content, IsError: isError}}
}

func User(text string) Message {
	return Message{Role: RoleUser, Blocks: []Block{TextBlock(text)}}
}

func UserBlocks(blocks ...Block) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

func Assistant(blocks ...Block) Message {
	return Message{Role: RoleAssistant, Blocks: blocks}
}

// ModelClass selects a model tier when the request does not name a concrete
// model. Small is used for cheap auxiliary calls (error compaction, naming).
type ModelClass string

const (
	ModelClassDefault ModelClass = ""
	ModelClassSmall   ModelClass = "small"
)

type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"`
}

// Request is the provider-agnostic completion request.
type Request struct {
	Provider       string           `json:"provider,omitempty"`
	Model          string           `json:"model,omitempty"`
	ModelClass     ModelClass       `json:"model_class,omitempty"`
	System         string           `json:"system,omitempty"`
	Messages       []Message        `json:"messages"`
	Tools          []ToolDefinition `json:"tools,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	ToolChoice     *ToolChoice      `json:"tool_choice,omitempty"`
	ThinkingBudget int              `json:"thinking_budget,omitempty"`
}

func (r Request) Validate() error {
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "messages are required"}
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return &ConfigurationError{Message: fmt.Sprintf("message %d: unsupported role %q", i, m.Role)}
		}
	}
	for _, t := range r.Tools {
		if err := ValidateToolName(t.Name); err != nil {
			return &ConfigurationError{Message: err.Error()}
		}
	}
	return nil
}

// Completion is the normalized provider response.
type Completion struct {
	Message      Message `json:"message"`
	StopReason   string  `json:"stop_reason"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

func (c Completion) Text() string { return c.Message.Text() }

func (c Completion) ToolUses() []ToolUseBlock { return c.Message.ToolUses() }

// ValidateToolName enforces the provider-safe naming subset shared by all
// adapters: [a-zA-Z0-9_-]{1,64}.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("tool name %q exceeds 64 characters", name)
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("tool name %q contains disallowed character %q", name, r)
	}
	return nil
}
