// Package tools interprets the fixed tool vocabulary produced by the LLM
// against one search node and its workspace clone.
package tools

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownTool    = errors.New("unknown tool")
	ErrMalformedInput = errors.New("malformed tool input")
)

// Input is the sum type over tool inputs. Exactly one concrete struct per
// built-in tool; custom tools carry their raw payload.
type Input interface {
	isToolInput()
}

type ReadFileInput struct {
	Path string `json:"path"`
}

type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type EditFileInput struct {
	Path       string `json:"path"`
	Search     string `json:"search"`
	Replace    string `json:"replace"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

type DeleteFileInput struct {
	Path string `json:"path"`
}

type CompleteInput struct{}

// CustomInput defers decoding to the registered tool's executor.
type CustomInput struct {
	Name string
	Raw  json.RawMessage
}

func (ReadFileInput) isToolInput()   {}
func (WriteFileInput) isToolInput()  {}
func (EditFileInput) isToolInput()   {}
func (DeleteFileInput) isToolInput() {}
func (CompleteInput) isToolInput()   {}
func (CustomInput) isToolInput()     {}

// Decode validates raw against the tool's schema and produces the typed
// input. Custom tools must already be registered.
func (r *Registry) Decode(name string, raw json.RawMessage) (Input, error) {
	t, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var args any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if err := t.schema.Validate(args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	switch name {
	case "read_file":
		var in ReadFileInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		return in, nil
	case "write_file":
		var in WriteFileInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		return in, nil
	case "edit_file":
		var in EditFileInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		return in, nil
	case "delete_file":
		var in DeleteFileInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		return in, nil
	case "complete":
		return CompleteInput{}, nil
	default:
		return CustomInput{Name: name, Raw: raw}, nil
	}
}
