package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/appdraft/appdraft/internal/fsm"
)

// TurnMessage is one entry of the conversation history. User entries hold
// a content string; assistant entries hold previously emitted blocks.
type TurnMessage struct {
	Role    string          `json:"role"`
	Content string          `json:"content,omitempty"`
	Blocks  json.RawMessage `json:"blocks,omitempty"`
}

// File is one provided source file, the client's view of the tree.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Settings are the recognized engine knobs; zero values defer to the
// template defaults.
type Settings struct {
	BeamWidth       int    `json:"beam_width,omitempty"`
	MaxDepth        int    `json:"max_depth,omitempty"`
	InteractionMode string `json:"interaction_mode,omitempty"`
	ThinkingBudget  int    `json:"thinking_budget,omitempty"`
	Template        string `json:"template,omitempty"`
}

// Request is the single inbound request shape.
type Request struct {
	AllMessages   []TurnMessage   `json:"all_messages"`
	ApplicationID string          `json:"application_id"`
	TraceID       string          `json:"trace_id"`
	AgentState    json.RawMessage `json:"agent_state,omitempty"`
	AllFiles      []File          `json:"all_files,omitempty"`
	Settings      Settings        `json:"settings,omitempty"`

	// UnknownSettings lists settings keys the engine does not recognize.
	// They are ignored, and the session reports each with a warning event.
	UnknownSettings []string `json:"-"`
}

// ParseRequest decodes and validates one inbound request body.
func ParseRequest(body []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.TraceID == "" {
		return nil, errors.New("trace_id is required")
	}
	if len(req.AllMessages) == 0 {
		return nil, errors.New("all_messages must not be empty")
	}
	for i, m := range req.AllMessages {
		if m.Role != "user" && m.Role != "assistant" {
			return nil, fmt.Errorf("all_messages[%d]: unknown role %q", i, m.Role)
		}
	}
	if last := req.AllMessages[len(req.AllMessages)-1]; last.Role != "user" {
		return nil, errors.New("the last message must be from the user")
	}
	if _, err := fsm.ParseMode(req.Settings.InteractionMode); err != nil {
		return nil, err
	}
	for i, f := range req.AllFiles {
		if f.Path == "" {
			return nil, fmt.Errorf("all_files[%d]: path is required", i)
		}
	}
	req.UnknownSettings = unknownSettingKeys(body)
	return &req, nil
}

var knownSettingKeys = map[string]bool{
	"beam_width":       true,
	"max_depth":        true,
	"interaction_mode": true,
	"thinking_budget":  true,
	"template":         true,
}

func unknownSettingKeys(body []byte) []string {
	var raw struct {
		Settings map[string]json.RawMessage `json:"settings"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil
	}
	var unknown []string
	for key := range raw.Settings {
		if !knownSettingKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// LastUserMessage returns the content of the final user entry.
func (r *Request) LastUserMessage() string {
	for i := len(r.AllMessages) - 1; i >= 0; i-- {
		if r.AllMessages[i].Role == "user" {
			return r.AllMessages[i].Content
		}
	}
	return ""
}

// FirstUserMessage returns the content of the first user entry, the
// original application request.
func (r *Request) FirstUserMessage() string {
	for _, m := range r.AllMessages {
		if m.Role == "user" {
			return m.Content
		}
	}
	return ""
}

// FileMap converts the provided files to the diff baseline shape.
func (r *Request) FileMap() map[string]string {
	out := make(map[string]string, len(r.AllFiles))
	for _, f := range r.AllFiles {
		out[f.Path] = f.Content
	}
	return out
}
