// Package subagent implements the bounded beam search each stage runs: LLM
// expansion over a node tree, tool execution per candidate on its own
// workspace clone, validator-gated completion.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/node"
	"github.com/appdraft/appdraft/internal/tools"
	"github.com/appdraft/appdraft/internal/workspace"
)

// ErrSearchFailed signals exhaustion: no candidate remains and no solution
// was found. Propagated as on_error in the stage machine.
var ErrSearchFailed = errors.New("search failed: no candidate produced a solution")

// ProgressFunc receives map-shaped progress events for the coordinator.
type ProgressFunc func(ev map[string]any)

type Config struct {
	Client    *llm.Client
	Validator tools.Validator

	// BeamWidth is the branching factor at should_branch nodes. Default 2.
	BeamWidth int

	// MaxDepth is the per-agent step budget. Default 10.
	MaxDepth int

	// MaxParallel bounds concurrent sibling expansions. Default 4.
	MaxParallel int

	Provider       string
	Model          string
	MaxTokens      int
	Temperature    float64
	ThinkingBudget int

	Progress ProgressFunc
}

type Inputs struct {
	// Context categorizes every node of the tree: draft, edit, frontend,
	// handler:<name>.
	Context string

	// Prompt is the root user message: relevant files, the user's request,
	// the prompt playbook and the permission scope.
	Prompt string

	System string

	// Workspace is the agent's root clone; children clone from their
	// parents.
	Workspace *workspace.Workspace

	CustomTools []tools.CustomTool
}

type Agent struct {
	cfg  Config
	tree *node.Tree
	rt   *tools.Runtime
}

func New(cfg Config) (*Agent, error) {
	if cfg.Client == nil {
		return nil, errors.New("subagent requires an llm client")
	}
	if cfg.BeamWidth <= 0 {
		cfg.BeamWidth = 2
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &Agent{cfg: cfg}, nil
}

// Tree exposes the search tree after Execute, for trajectory inspection and
// checkpoint dumps.
func (a *Agent) Tree() *node.Tree { return a.tree }

// Execute runs the bounded search and returns the solution node, whose
// trajectory deltas constitute the stage's contribution.
func (a *Agent) Execute(ctx context.Context, in Inputs) (node.ID, error) {
	if in.Workspace == nil {
		return node.None, errors.New("subagent requires a workspace")
	}
	reg := tools.NewRegistry()
	for _, t := range in.CustomTools {
		if err := reg.RegisterCustom(t); err != nil {
			return node.None, err
		}
	}
	a.rt = tools.NewRuntime(reg, a.cfg.Validator)

	a.tree = node.NewTree(in.Context)
	root := a.tree.Root()
	root.Messages = append(root.Messages, llm.User(in.Prompt))
	root.Branch = true
	root.Workspace = in.Workspace

	for {
		if err := ctx.Err(); err != nil {
			return node.None, err
		}
		cands := a.selectCandidates()
		if len(cands) == 0 {
			a.emit(map[string]any{"event": "search_exhausted", "context": in.Context, "nodes": a.tree.Len()})
			return node.None, fmt.Errorf("%w (context %s)", ErrSearchFailed, in.Context)
		}
		a.emit(map[string]any{
			"event":      "expansion",
			"context":    in.Context,
			"candidates": len(cands),
			"nodes":      a.tree.Len(),
		})

		completions, err := a.expand(ctx, in.System, reg.Definitions(), cands)
		if err != nil {
			return node.None, err
		}

		children := make([]node.ID, 0, len(cands))
		for _, cand := range cands {
			parent := a.tree.Node(cand)
			child, err := a.tree.AddChild(cand)
			if err != nil {
				return node.None, err
			}
			child.Workspace = parent.Workspace.Clone()
			children = append(children, child.ID)
		}

		solution, err := a.evaluate(ctx, children, completions)
		if err != nil {
			return node.None, err
		}
		if solution != node.None {
			a.emit(map[string]any{"event": "solution", "context": in.Context, "node": int(solution), "depth": a.tree.Depth(solution)})
			return solution, nil
		}
	}
}

// selectCandidates walks the leaves and applies the beam rules: a fresh
// branchable root replicates beam_width times; otherwise each leaf within
// the depth budget is a candidate, replicated by the effective beam width
// when its parent is branchable.
func (a *Agent) selectCandidates() []node.ID {
	root := a.tree.Root()
	if a.tree.Len() == 1 && root.Branch {
		out := make([]node.ID, a.cfg.BeamWidth)
		for i := range out {
			out[i] = root.ID
		}
		return out
	}
	var out []node.ID
	for _, leaf := range a.tree.Leaves() {
		depth := a.tree.Depth(leaf)
		if depth > a.cfg.MaxDepth {
			continue
		}
		n := a.tree.Node(leaf)
		count := 1
		if parent := a.tree.Node(n.Parent); parent != nil && parent.Branch {
			if a.tree.SiblingsAtDepth(depth) < a.cfg.BeamWidth {
				count = a.cfg.BeamWidth
			}
		}
		for i := 0; i < count; i++ {
			out = append(out, leaf)
		}
	}
	return out
}

// expand fans the candidates' LLM calls out through a bounded worker pool.
// A gateway error after its retries is fatal for the whole search.
func (a *Agent) expand(ctx context.Context, system string, defs []llm.ToolDefinition, cands []node.ID) ([]llm.Completion, error) {
	type job struct {
		idx  int
		msgs []llm.Message
	}
	jobs := make(chan job)
	completions := make([]llm.Completion, len(cands))
	errs := make([]error, len(cands))
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			resp, err := a.cfg.Client.Complete(ctx, llm.Request{
				Provider:       a.cfg.Provider,
				Model:          a.cfg.Model,
				System:         system,
				Messages:       j.msgs,
				Tools:          defs,
				MaxTokens:      a.cfg.MaxTokens,
				Temperature:    a.cfg.Temperature,
				ThinkingBudget: a.cfg.ThinkingBudget,
			})
			completions[j.idx] = resp
			errs[j.idx] = err
		}
	}

	workers := a.cfg.MaxParallel
	if workers > len(cands) {
		workers = len(cands)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for idx, cand := range cands {
		jobs <- job{idx: idx, msgs: a.tree.Messages(cand)}
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("llm expansion: %w", err)
		}
	}
	return completions, nil
}

// evaluate runs the tool runtime for each child concurrently; each child
// owns its workspace clone so writes never interfere. The first completed
// child in candidate order wins.
func (a *Agent) evaluate(ctx context.Context, children []node.ID, completions []llm.Completion) (node.ID, error) {
	type job struct {
		idx int
	}
	jobs := make(chan job)
	outcomes := make([]tools.Outcome, len(children))
	errs := make([]error, len(children))
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for j := range jobs {
			outcomes[j.idx], errs[j.idx] = a.rt.Execute(ctx, a.tree, children[j.idx], completions[j.idx].Message)
		}
	}

	workers := a.cfg.MaxParallel
	if workers > len(children) {
		workers = len(children)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for idx := range children {
		jobs <- job{idx: idx}
	}
	close(jobs)
	wg.Wait()

	for idx, err := range errs {
		if err != nil {
			return node.None, fmt.Errorf("tool execution on node %d: %w", children[idx], err)
		}
	}
	for idx, out := range outcomes {
		if out.Completed {
			return children[idx], nil
		}
	}
	return node.None, nil
}

func (a *Agent) emit(ev map[string]any) {
	if a.cfg.Progress != nil {
		a.cfg.Progress(ev)
	}
}
