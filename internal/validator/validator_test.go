package validator

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/workspace"
)

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	rt := workspace.NewLocalRuntime()
	rt.RegisterImage("template:test", "")
	ws, err := workspace.New(workspace.Config{Runtime: rt, Image: "template:test"})
	require.NoError(t, err)
	return ws
}

func TestValidateAllChecksPass(t *testing.T) {
	suite, err := New(Config{Checks: func(string) []Check {
		return []Check{
			{Name: "typecheck", Command: "true"},
			{Name: "lint", Command: "true"},
		}
	}})
	require.NoError(t, err)

	res, err := suite.Validate(context.Background(), newTestWorkspace(t), "draft")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, res.Feedback)
}

func TestValidateFailurePrefixed(t *testing.T) {
	suite, err := New(Config{Checks: func(string) []Check {
		return []Check{
			{Name: "typecheck", Command: "echo 'src/a.ts(1,1): TS2304' >&2; exit 1", Prefix: "TypeScript errors"},
			{Name: "lint", Command: "true"},
		}
	}})
	require.NoError(t, err)

	res, err := suite.Validate(context.Background(), newTestWorkspace(t), "draft")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Feedback, "TypeScript errors"))
	assert.Contains(t, res.Feedback, "TS2304")
}

func TestValidateCombinesFailuresInCheckOrder(t *testing.T) {
	suite, err := New(Config{Checks: func(string) []Check {
		return []Check{
			{Name: "typecheck", Command: "echo first failure; exit 1", Prefix: "TypeScript errors"},
			{Name: "tests", Command: "echo second failure; exit 1", Prefix: "Test failures"},
		}
	}})
	require.NoError(t, err)

	res, err := suite.Validate(context.Background(), newTestWorkspace(t), "edit")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Less(t, strings.Index(res.Feedback, "first failure"), strings.Index(res.Feedback, "second failure"))
}

func TestValidateContextSelectsChecks(t *testing.T) {
	var seen []string
	suite, err := New(Config{Checks: func(nodeContext string) []Check {
		seen = append(seen, nodeContext)
		if strings.HasPrefix(nodeContext, "handler:") {
			return []Check{{Name: "handler-tests", Command: "true", WithPostgres: true}}
		}
		return nil
	}})
	require.NoError(t, err)

	res, err := suite.Validate(context.Background(), newTestWorkspace(t), "handler:createTodo")
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = suite.Validate(context.Background(), newTestWorkspace(t), "unknown")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, []string{"handler:createTodo", "unknown"}, seen)
}

type compactAdapter struct {
	reply string
	calls int
}

func (a *compactAdapter) Name() string { return "anthropic" }

func (a *compactAdapter) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	a.calls++
	return llm.Completion{Message: llm.Assistant(llm.TextBlock(a.reply))}, nil
}

func TestValidateCompactsLongFeedback(t *testing.T) {
	adapter := &compactAdapter{reply: "TS2304 in src/a.ts: Cannot find name 'foo'"}
	client := llm.NewClient()
	client.Register(adapter)

	suite, err := New(Config{
		Checks: func(string) []Check {
			return []Check{{
				Name:    "typecheck",
				Command: "yes 'src/a.ts(1,1): error TS2304' | head -200; exit 1",
				Prefix:  "TypeScript errors",
			}}
		},
		Client:              client,
		CompactionThreshold: 512,
	})
	require.NoError(t, err)

	res, err := suite.Validate(context.Background(), newTestWorkspace(t), "draft")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, 1, adapter.calls)
	assert.True(t, strings.HasPrefix(res.Feedback, "TypeScript errors"))
	assert.Contains(t, res.Feedback, "TS2304")
	assert.Less(t, len(res.Feedback), 512)
}

func TestValidateShortFeedbackNotCompacted(t *testing.T) {
	adapter := &compactAdapter{reply: "unused"}
	client := llm.NewClient()
	client.Register(adapter)

	suite, err := New(Config{
		Checks: func(string) []Check {
			return []Check{{Name: "lint", Command: "echo small failure; exit 1"}}
		},
		Client: client,
	})
	require.NoError(t, err)

	res, err := suite.Validate(context.Background(), newTestWorkspace(t), "frontend")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Zero(t, adapter.calls)
	assert.Contains(t, res.Feedback, "small failure")
}
