package tools

import (
	"context"
	"fmt"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/node"
	"github.com/appdraft/appdraft/internal/workspace"
)

// ContinueMessage is appended as a synthetic user message when the assistant
// neither used a tool nor completed.
const ContinueMessage = "Continue or mark completed via tool call"

const cannotCompleteMessage = "Can not complete without writing any changes"

type ValidationResult struct {
	OK       bool
	Feedback string
}

// Validator runs the node-context check list inside the workspace.
type Validator interface {
	Validate(ctx context.Context, ws *workspace.Workspace, nodeContext string) (ValidationResult, error)
}

type Outcome struct {
	// Completed is set when a complete tool ran and validators passed.
	Completed bool
}

// Runtime interprets one assistant message against one node: every tool-use
// block yields exactly one tool-result block, in order, in the user message
// appended to the node.
type Runtime struct {
	registry  *Registry
	validator Validator
}

func NewRuntime(registry *Registry, validator Validator) *Runtime {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Runtime{registry: registry, validator: validator}
}

func (rt *Runtime) Registry() *Registry { return rt.registry }

func (rt *Runtime) Execute(ctx context.Context, tree *node.Tree, id node.ID, assistant llm.Message) (Outcome, error) {
	n := tree.Node(id)
	if n == nil {
		return Outcome{}, fmt.Errorf("unknown node id %d", id)
	}
	if n.Workspace == nil {
		return Outcome{}, fmt.Errorf("node %d has no workspace", id)
	}
	n.Messages = append(n.Messages, assistant)

	uses := assistant.ToolUses()
	if len(uses) == 0 {
		n.Messages = append(n.Messages, llm.User(ContinueMessage))
		return Outcome{}, nil
	}

	var out Outcome
	results := make([]llm.Block, 0, len(uses))
	for _, use := range uses {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		content, isErr, completed, err := rt.executeOne(ctx, tree, n, use)
		if err != nil {
			return Outcome{}, err
		}
		if completed {
			out.Completed = true
		}
		results = append(results, llm.ToolResult(use.ID, content, isErr))
	}
	n.Messages = append(n.Messages, llm.UserBlocks(results...))
	return out, nil
}

// executeOne runs a single tool use. Tool failures come back as error result
// text, never as a Go error; the error return is reserved for infrastructure
// faults.
func (rt *Runtime) executeOne(ctx context.Context, tree *node.Tree, n *node.Node, use llm.ToolUseBlock) (content string, isErr, completed bool, err error) {
	t, ok := rt.registry.lookup(use.Name)
	if !ok {
		return fmt.Sprintf("unknown tool: %s", use.Name), true, false, nil
	}
	in, decodeErr := rt.registry.Decode(use.Name, use.Input)
	if decodeErr != nil {
		return decodeErr.Error(), true, false, nil
	}

	ws := n.Workspace
	switch in := in.(type) {
	case ReadFileInput:
		data, rerr := ws.ReadFile(ctx, in.Path)
		if rerr != nil {
			return rerr.Error(), true, false, nil
		}
		return truncate(data, t.limit), false, false, nil

	case WriteFileInput:
		if werr := ws.WriteFile(ctx, in.Path, in.Content); werr != nil {
			return werr.Error(), true, false, nil
		}
		c := in.Content
		n.Files[in.Path] = &c
		return truncate(fmt.Sprintf("Wrote %s (%d bytes)", in.Path, len(in.Content)), t.limit), false, false, nil

	case EditFileInput:
		if eerr := ws.EditFile(ctx, in.Path, in.Search, in.Replace, in.ReplaceAll); eerr != nil {
			return eerr.Error(), true, false, nil
		}
		updated, rerr := ws.ReadFile(ctx, in.Path)
		if rerr != nil {
			return rerr.Error(), true, false, nil
		}
		n.Files[in.Path] = &updated
		return truncate(fmt.Sprintf("Edited %s", in.Path), t.limit), false, false, nil

	case DeleteFileInput:
		if derr := ws.DeleteFile(ctx, in.Path); derr != nil {
			return derr.Error(), true, false, nil
		}
		n.Files[in.Path] = nil
		return fmt.Sprintf("Deleted %s", in.Path), false, false, nil

	case CompleteInput:
		return rt.executeComplete(ctx, tree, n, t)

	case CustomInput:
		output, deltas, cerr := t.exec(ctx, ws, in.Raw)
		if cerr != nil {
			msg := output
			if msg == "" {
				msg = cerr.Error()
			}
			return truncate(msg, t.limit), true, false, nil
		}
		for path, c := range deltas {
			n.Files[path] = c
		}
		return truncate(output, t.limit), false, false, nil

	default:
		return fmt.Sprintf("unknown tool: %s", use.Name), true, false, nil
	}
}

func (rt *Runtime) executeComplete(ctx context.Context, tree *node.Tree, n *node.Node, t registeredTool) (string, bool, bool, error) {
	if !tree.HasDeltas(n.ID) {
		return cannotCompleteMessage, true, false, nil
	}
	// Completion marks the node branchable whether or not validation holds.
	n.Branch = true
	if rt.validator == nil {
		return "Completed", false, true, nil
	}
	res, err := rt.validator.Validate(ctx, n.Workspace, n.Context)
	if err != nil {
		return "", false, false, err
	}
	if !res.OK {
		return truncate(res.Feedback, t.limit), true, false, nil
	}
	return "Completed", false, true, nil
}
