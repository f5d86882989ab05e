package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/node"
	"github.com/appdraft/appdraft/internal/workspace"
)

type stubValidator struct {
	result ValidationResult
	err    error
	calls  int
}

func (v *stubValidator) Validate(_ context.Context, _ *workspace.Workspace, _ string) (ValidationResult, error) {
	v.calls++
	return v.result, v.err
}

func newTestNode(t *testing.T) (*node.Tree, *node.Node) {
	t.Helper()
	rt := workspace.NewLocalRuntime()
	rt.RegisterImage("template:test", "")
	ws, err := workspace.New(workspace.Config{Runtime: rt, Image: "template:test"})
	require.NoError(t, err)
	tree := node.NewTree("draft")
	tree.Root().Workspace = ws
	return tree, tree.Root()
}

func args(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func lastUserMessage(t *testing.T, n *node.Node) llm.Message {
	t.Helper()
	require.NotEmpty(t, n.Messages)
	m := n.Messages[len(n.Messages)-1]
	require.Equal(t, llm.RoleUser, m.Role)
	return m
}

func TestToolResultPairing(t *testing.T) {
	tree, n := newTestNode(t)
	rt := NewRuntime(nil, nil)

	assistant := llm.Assistant(
		llm.ToolUse("t1", "write_file", args(t, map[string]any{"path": "a.ts", "content": "aaa"})),
		llm.ToolUse("t2", "read_file", args(t, map[string]any{"path": "a.ts"})),
		llm.ToolUse("t3", "read_file", args(t, map[string]any{"path": "missing.ts"})),
	)
	out, err := rt.Execute(context.Background(), tree, n.ID, assistant)
	require.NoError(t, err)
	assert.False(t, out.Completed)

	user := lastUserMessage(t, n)
	require.Len(t, user.Blocks, 3)
	for i, id := range []string{"t1", "t2", "t3"} {
		require.Equal(t, llm.BlockToolResult, user.Blocks[i].Kind)
		assert.Equal(t, id, user.Blocks[i].ToolResult.ToolUseID)
	}
	assert.False(t, user.Blocks[0].ToolResult.IsError)
	assert.Equal(t, "aaa", user.Blocks[1].ToolResult.Content)
	assert.True(t, user.Blocks[2].ToolResult.IsError)

	// The write is recorded as a node delta.
	require.Contains(t, n.Files, "a.ts")
	assert.Equal(t, "aaa", *n.Files["a.ts"])
}

func TestNoToolUseAppendsContinueMessage(t *testing.T) {
	tree, n := newTestNode(t)
	rt := NewRuntime(nil, nil)

	out, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(llm.TextBlock("thinking out loud")))
	require.NoError(t, err)
	assert.False(t, out.Completed)
	assert.Equal(t, ContinueMessage, lastUserMessage(t, n).Text())
}

func TestCompleteWithoutWritesRejected(t *testing.T) {
	tree, n := newTestNode(t)
	v := &stubValidator{result: ValidationResult{OK: true}}
	rt := NewRuntime(nil, v)

	out, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t1", "complete", nil),
	))
	require.NoError(t, err)
	assert.False(t, out.Completed)
	assert.Zero(t, v.calls)

	user := lastUserMessage(t, n)
	require.Len(t, user.Blocks, 1)
	assert.True(t, user.Blocks[0].ToolResult.IsError)
	assert.Equal(t, "Can not complete without writing any changes", user.Blocks[0].ToolResult.Content)
}

func TestCompleteRunsValidators(t *testing.T) {
	tree, n := newTestNode(t)
	v := &stubValidator{result: ValidationResult{OK: true}}
	rt := NewRuntime(nil, v)

	_, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t1", "write_file", args(t, map[string]any{"path": "a.ts", "content": "x"})),
	))
	require.NoError(t, err)

	out, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t2", "complete", nil),
	))
	require.NoError(t, err)
	assert.True(t, out.Completed)
	assert.Equal(t, 1, v.calls)
	assert.True(t, n.Branch)
	assert.Equal(t, "Completed", lastUserMessage(t, n).Blocks[0].ToolResult.Content)
}

func TestCompleteValidatorFailureFeedsBack(t *testing.T) {
	tree, n := newTestNode(t)
	v := &stubValidator{result: ValidationResult{OK: false, Feedback: "TypeScript errors\nsrc/a.ts(1,1): TS2304"}}
	rt := NewRuntime(nil, v)

	_, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t1", "write_file", args(t, map[string]any{"path": "a.ts", "content": "x"})),
	))
	require.NoError(t, err)

	out, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t2", "complete", nil),
	))
	require.NoError(t, err)
	assert.False(t, out.Completed)
	assert.True(t, n.Branch)

	block := lastUserMessage(t, n).Blocks[0].ToolResult
	assert.True(t, block.IsError)
	assert.True(t, strings.HasPrefix(block.Content, "TypeScript errors"))
}

func TestUnknownToolAndMalformedInput(t *testing.T) {
	tree, n := newTestNode(t)
	rt := NewRuntime(nil, nil)

	out, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t1", "launch_missiles", args(t, map[string]any{})),
		llm.ToolUse("t2", "write_file", args(t, map[string]any{"path": "a.ts"})), // missing content
		llm.ToolUse("t3", "read_file", json.RawMessage(`{not json`)),
	))
	require.NoError(t, err)
	assert.False(t, out.Completed)

	user := lastUserMessage(t, n)
	require.Len(t, user.Blocks, 3)
	assert.Contains(t, user.Blocks[0].ToolResult.Content, "unknown tool")
	assert.True(t, user.Blocks[1].ToolResult.IsError)
	assert.True(t, user.Blocks[2].ToolResult.IsError)
	assert.Empty(t, n.Files)
}

func TestProtectedPathWrite(t *testing.T) {
	tree, n := newTestNode(t)
	n.Workspace.SetPermissions([]string{"client/src/**"}, []string{"client/src/components/ui/**"})
	rt := NewRuntime(nil, nil)

	_, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t1", "write_file", args(t, map[string]any{
			"path":    "client/src/components/ui/button.tsx",
			"content": "nope",
		})),
	))
	require.NoError(t, err)

	block := lastUserMessage(t, n).Blocks[0].ToolResult
	assert.True(t, block.IsError)
	assert.Contains(t, block.Content, "Permission denied")
	assert.Contains(t, block.Content, "out of scope")
	assert.Empty(t, n.Files)
}

func TestEditAndDeleteRecordDeltas(t *testing.T) {
	tree, n := newTestNode(t)
	rt := NewRuntime(nil, nil)
	ctx := context.Background()

	_, err := rt.Execute(ctx, tree, n.ID, llm.Assistant(
		llm.ToolUse("t1", "write_file", args(t, map[string]any{"path": "a.ts", "content": "let x = 1"})),
	))
	require.NoError(t, err)

	_, err = rt.Execute(ctx, tree, n.ID, llm.Assistant(
		llm.ToolUse("t2", "edit_file", args(t, map[string]any{"path": "a.ts", "search": "1", "replace": "2"})),
		llm.ToolUse("t3", "delete_file", args(t, map[string]any{"path": "a.ts"})),
	))
	require.NoError(t, err)

	user := lastUserMessage(t, n)
	assert.False(t, user.Blocks[0].ToolResult.IsError)
	assert.False(t, user.Blocks[1].ToolResult.IsError)
	assert.Nil(t, n.Files["a.ts"])
	assert.Empty(t, tree.Files(n.ID))
}

func TestCustomToolDeltasAndFailure(t *testing.T) {
	tree, n := newTestNode(t)
	reg := NewRegistry()
	content := "lockfile"
	require.NoError(t, reg.RegisterCustom(CustomTool{
		Definition: llm.ToolDefinition{
			Name:        "fake_install",
			Description: "test helper",
			InputSchema: objectSchema(map[string]any{"fail": map[string]any{"type": "boolean"}}, nil),
		},
		Exec: func(_ context.Context, _ *workspace.Workspace, raw json.RawMessage) (string, map[string]*string, error) {
			var in struct {
				Fail bool `json:"fail"`
			}
			_ = json.Unmarshal(raw, &in)
			if in.Fail {
				return "npm ERR! boom", nil, errors.New("install exited with code 1")
			}
			return "installed", map[string]*string{"server/package-lock.json": &content}, nil
		},
	}))
	rt := NewRuntime(reg, nil)

	_, err := rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t1", "fake_install", args(t, map[string]any{})),
	))
	require.NoError(t, err)
	require.Contains(t, n.Files, "server/package-lock.json")
	assert.Equal(t, "lockfile", *n.Files["server/package-lock.json"])

	_, err = rt.Execute(context.Background(), tree, n.ID, llm.Assistant(
		llm.ToolUse("t2", "fake_install", args(t, map[string]any{"fail": true})),
	))
	require.NoError(t, err)
	block := lastUserMessage(t, n).Blocks[0].ToolResult
	assert.True(t, block.IsError)
	assert.Contains(t, block.Content, "npm ERR!")
	// Failure adds no deltas.
	assert.Len(t, n.Files, 1)
}

func TestRegistryDefinitionsIncludeCustoms(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCustom(NPMInstall()))

	names := make([]string, 0)
	for _, def := range reg.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"read_file", "write_file", "edit_file", "delete_file", "complete", "npm_install"}, names)

	// Double registration is rejected.
	assert.Error(t, reg.RegisterCustom(NPMInstall()))
}

func TestNPMInstallInputValidation(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCustom(NPMInstall()))

	_, err := reg.Decode("npm_install", args(t, map[string]any{"packages": []string{"zod"}, "target": "server"}))
	assert.NoError(t, err)

	_, err = reg.Decode("npm_install", args(t, map[string]any{"packages": []string{}, "target": "server"}))
	assert.ErrorIs(t, err, ErrMalformedInput)

	_, err = reg.Decode("npm_install", args(t, map[string]any{"packages": []string{"zod"}, "target": "backend"}))
	assert.ErrorIs(t, err, ErrMalformedInput)
}

func TestTruncation(t *testing.T) {
	long := strings.Repeat("x", 100)

	tail := truncate(long, OutputLimit{MaxChars: 40, Strategy: TruncTail})
	assert.Contains(t, tail, "Output truncated")
	assert.True(t, strings.HasSuffix(tail, strings.Repeat("x", 40)))

	headTail := truncate(long, OutputLimit{MaxChars: 40, Strategy: TruncHeadTail})
	assert.Contains(t, headTail, "removed from the middle")
	assert.True(t, strings.HasPrefix(headTail, "xxxx"))

	lines := truncate(strings.Repeat("line\n", 50), OutputLimit{MaxChars: 10_000, MaxLines: 10, Strategy: TruncTail})
	assert.Contains(t, lines, "lines omitted")
}
