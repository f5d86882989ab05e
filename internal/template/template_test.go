package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdraft/appdraft/internal/fsm"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{"legacy", "trpc"}, r.Names())

	tpl, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "trpc", tpl.Name)

	tpl, err = r.Get("legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", tpl.Name)

	_, err = r.Get("rails")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "legacy, trpc")

	require.NoError(t, r.SetDefault("legacy"))
	tpl, err = r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "legacy", tpl.Name)

	assert.Error(t, r.SetDefault("rails"))
}

func TestTRPCStageOrder(t *testing.T) {
	tpl := TRPC()
	var names []string
	for _, st := range tpl.Stages {
		names = append(names, st.Name)
	}
	assert.Equal(t, fsm.CanonicalStages(), names)
	assert.True(t, tpl.ConcurrentFrontend)
	assert.Equal(t, 2, tpl.Defaults.BeamWidth)
	assert.Equal(t, 10, tpl.Defaults.MaxDepth)

	st, err := tpl.Stage("edit")
	require.NoError(t, err)
	assert.Equal(t, 2, st.BeamWidth)

	_, err = tpl.Stage("deploy")
	assert.Error(t, err)
}

func TestLegacyStageOrder(t *testing.T) {
	tpl := Legacy()
	var names []string
	for _, st := range tpl.Stages {
		names = append(names, st.Name)
	}
	assert.Equal(t, fsm.LegacyStages(), names)
	assert.False(t, tpl.ConcurrentFrontend)
}

func TestTRPCChecksPerContext(t *testing.T) {
	tpl := TRPC()

	draft := tpl.Checks(fsm.StageDraft)
	require.Len(t, draft, 2)
	assert.Equal(t, "TypeScript errors", draft[0].Prefix)
	assert.True(t, draft[1].WithPostgres)
	assert.Equal(t, "Schema push failed", draft[1].Prefix)

	handler := tpl.Checks("handler:create_task")
	require.Len(t, handler, 2)
	assert.Contains(t, handler[1].Command, "tests/create_task.test.ts")
	assert.True(t, handler[1].WithPostgres)

	frontend := tpl.Checks(fsm.StageFrontend)
	require.Len(t, frontend, 3)
	assert.Equal(t, "client", frontend[1].Dir)
	assert.Equal(t, "Lint errors", frontend[2].Prefix)

	edit := tpl.Checks("edit")
	assert.Len(t, edit, 6)
}

func TestFrontendPolicyProtectsUIComponents(t *testing.T) {
	tpl := TRPC()
	st, err := tpl.Stage(fsm.StageFrontend)
	require.NoError(t, err)

	policy := st.Policy.WorkspacePolicy()
	assert.NoError(t, policy.CheckWrite("client/src/App.tsx"))

	err = policy.CheckWrite("client/src/components/ui/button.tsx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of scope")

	// Out of the allowed scope entirely.
	assert.Error(t, policy.CheckWrite("server/src/index.ts"))
}

func TestEditPolicyAllowsWholeTreeExceptProtected(t *testing.T) {
	tpl := TRPC()
	policy := tpl.Edit.Policy.WorkspacePolicy()
	assert.NoError(t, policy.CheckWrite("server/src/schema.ts"))
	assert.NoError(t, policy.CheckWrite("client/src/App.tsx"))
	assert.Error(t, policy.CheckWrite("client/src/components/ui/dialog.tsx"))
}

func TestPromptsCarryTheRequest(t *testing.T) {
	tpl := TRPC()
	in := map[string]any{"prompt": "a habit tracker", "handler": "create_habit"}

	for _, st := range tpl.Stages {
		system, user := st.Prompt(in)
		assert.NotEmpty(t, system, st.Name)
		assert.Contains(t, user, "a habit tracker", st.Name)
	}
	_, user := tpl.Stages[1].Prompt(in)
	assert.Contains(t, user, `"create_habit"`)

	_, user = tpl.Edit.Prompt(in)
	assert.Contains(t, user, "a habit tracker")
}
