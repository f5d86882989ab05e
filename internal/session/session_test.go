package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdraft/appdraft/internal/events"
	"github.com/appdraft/appdraft/internal/fsm"
	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/snapshot"
	"github.com/appdraft/appdraft/internal/template"
	"github.com/appdraft/appdraft/internal/validator"
	"github.com/appdraft/appdraft/internal/workspace"
)

// stageAdapter scripts one coherent generation run: naming calls return
// fixed text, each stage's first expansion writes its file and completes
// in one assistant message.
type stageAdapter struct {
	mu    sync.Mutex
	calls []string
	fail  error
}

func (a *stageAdapter) Name() string { return "anthropic" }

func (a *stageAdapter) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	a.mu.Lock()
	a.calls = append(a.calls, req.System)
	a.mu.Unlock()

	if len(req.Tools) == 0 {
		if strings.Contains(req.System, "commit message") {
			return llm.Completion{Message: llm.Assistant(llm.TextBlock("Add task handling"))}, nil
		}
		return llm.Completion{Message: llm.Assistant(llm.TextBlock("Todo App"))}, nil
	}
	if a.fail != nil {
		return llm.Completion{}, a.fail
	}

	stage := strings.TrimPrefix(req.System, "stage:")
	var path, content string
	switch stage {
	case "draft":
		path, content = "server/src/handlers/create_task.ts", "export const createTask = stub"
	case "handlers":
		path, content = "server/src/handlers/create_task.ts", "export const createTask = impl"
	case "frontend":
		path, content = "client/src/App.tsx", "export const App = ui"
	case "edit":
		path, content = "server/src/handlers/create_task.ts", "export const createTask = revised"
	default:
		return llm.Completion{}, fmt.Errorf("unexpected system prompt %q", req.System)
	}
	write, _ := json.Marshal(map[string]string{"path": path, "content": content})
	return llm.Completion{Message: llm.Assistant(
		llm.ToolUse("w-"+stage, "write_file", write),
		llm.ToolUse("c-"+stage, "complete", json.RawMessage(`{}`)),
	), StopReason: "tool_use"}, nil
}

func testTemplate() *template.Template {
	stage := func(name string) template.Stage {
		return template.Stage{
			Name: name,
			Prompt: func(in map[string]any) (string, string) {
				user := fmt.Sprintf("%v", in["prompt"])
				if h, ok := in["handler"].(string); ok {
					user += "\nhandler: " + h
				}
				return "stage:" + name, user
			},
		}
	}
	return &template.Template{
		Name:   "testapp",
		Image:  "template:test",
		Stages: []template.Stage{stage(fsm.StageDraft), stage(fsm.StageHandlers), stage(fsm.StageFrontend)},
		Edit:   stage("edit"),
		Checks: func(string) []validator.Check { return nil },

		ConcurrentFrontend: true,
		Defaults:           template.Settings{BeamWidth: 1, MaxDepth: 5},
	}
}

type harness struct {
	coordinator *Coordinator
	adapter     *stageAdapter
	store       *snapshot.FSStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "client/src/components/ui"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "package.json"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(base, "client/src/components/ui/button.tsx"), []byte("export const Button = 0\n"), 0o644))

	rt := workspace.NewLocalRuntime()
	rt.RegisterImage("template:test", base)

	adapter := &stageAdapter{}
	client := llm.NewClient()
	client.Register(adapter)
	client.SetSleep(func(context.Context, time.Duration) error { return nil })

	store, err := snapshot.NewFSStore(t.TempDir())
	require.NoError(t, err)

	reg := template.NewRegistry()
	reg.Register(testTemplate())
	require.NoError(t, reg.SetDefault("testapp"))

	c, err := New(Config{
		Client:    client,
		Runtime:   rt,
		Templates: reg,
		Snapshots: store,
		Provider:  "anthropic",
	})
	require.NoError(t, err)
	return &harness{coordinator: c, adapter: adapter, store: store}
}

func collect(t *testing.T, stream *events.Stream) []events.Event {
	t.Helper()
	var got []events.Event
	for ev := range stream.Events() {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	return got
}

func terminalOf(t *testing.T, got []events.Event) events.Event {
	t.Helper()
	var idles []events.Event
	for _, ev := range got {
		if ev.Status == events.StatusIdle {
			idles = append(idles, ev)
		}
	}
	require.Len(t, idles, 1, "exactly one idle event")
	assert.Equal(t, idles[0].Seq, got[len(got)-1].Seq, "the idle event is last")
	return idles[0]
}

func TestFirstTurnGeneratesApplication(t *testing.T) {
	h := newHarness(t)
	req, err := ParseRequest([]byte(`{
		"all_messages": [{"role": "user", "content": "Build a todo app"}],
		"application_id": "app-1",
		"trace_id": "trace-1"
	}`))
	require.NoError(t, err)

	got := collect(t, h.coordinator.Run(context.Background(), req))

	// The first event carries the template diff and the generated name.
	first := got[0]
	assert.Equal(t, events.KindReviewResult, first.Message.Kind)
	assert.Equal(t, "Todo App", first.Message.AppName)
	assert.Contains(t, first.Message.UnifiedDiff, "+++ b/package.json")
	assert.Contains(t, first.Message.UnifiedDiff, "/dev/null")

	// The draft sub-agent has started by then; its progress follows.
	require.Greater(t, len(got), 1)
	assert.Equal(t, events.KindStageResult, got[1].Message.Kind)
	assert.Equal(t, "starting draft", got[1].Message.Blocks[0].Content)

	terminal := terminalOf(t, got)
	assert.Equal(t, events.KindReviewResult, terminal.Message.Kind)
	assert.Equal(t, "Add task handling", terminal.Message.CommitMessage)
	assert.Contains(t, terminal.Message.UnifiedDiff, "create_task.ts")
	assert.Contains(t, terminal.Message.UnifiedDiff, "+export const createTask = impl")
	assert.Contains(t, terminal.Message.UnifiedDiff, "client/src/App.tsx")

	st, err := DecodeState(terminal.Message.AgentState)
	require.NoError(t, err)
	assert.Equal(t, "Todo App", st.Metadata.AppName)
	assert.True(t, st.Metadata.TemplateDiffSent)
	var cp fsm.Checkpoint
	require.NoError(t, json.Unmarshal(st.FSMState, &cp))
	assert.Equal(t, []string{fsm.StageComplete}, cp.StackPath)

	// Stage progress flowed as StageResult events.
	var stageTexts []string
	for _, ev := range got {
		if ev.Message.Kind == events.KindStageResult {
			stageTexts = append(stageTexts, ev.Message.Blocks[0].Content)
		}
	}
	joined := strings.Join(stageTexts, "\n")
	assert.Contains(t, joined, "starting draft")
	assert.Contains(t, joined, "handler:create_task")

	// Checkpoints and events were persisted under the trace.
	keys, err := h.store.List(context.Background(), "trace-1")
	require.NoError(t, err)
	assert.Contains(t, keys, snapshot.KeyFSMEnter)
	assert.Contains(t, keys, snapshot.KeyFSMExit)
	assert.Contains(t, keys, snapshot.EventKey(1))
}

func TestRefinementTurnRunsEditStage(t *testing.T) {
	h := newHarness(t)

	cp, err := json.Marshal(fsm.Checkpoint{StackPath: []string{fsm.StageComplete}, Context: fsm.Context{"prompt": "Build a todo app"}})
	require.NoError(t, err)
	prior := &SessionState{
		FSMState: cp,
		Metadata: Metadata{
			AppName:          "Todo App",
			TemplateDiffSent: true,
			Template:         "testapp",
			InteractionMode:  "non_interactive",
		},
	}
	rawState, err := prior.Encode()
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"all_messages": []map[string]string{
			{"role": "user", "content": "Build a todo app"},
			{"role": "assistant", "content": "done"},
			{"role": "user", "content": "Add task priorities"},
		},
		"application_id": "app-1",
		"trace_id":       "trace-2",
		"agent_state":    json.RawMessage(rawState),
		"all_files": []map[string]string{
			{"path": "server/src/handlers/create_task.ts", "content": "export const createTask = impl"},
		},
	})
	require.NoError(t, err)
	req, err := ParseRequest(body)
	require.NoError(t, err)

	got := collect(t, h.coordinator.Run(context.Background(), req))

	// No template diff on a refinement turn.
	assert.NotEqual(t, events.KindReviewResult, got[0].Message.Kind)

	terminal := terminalOf(t, got)
	assert.Equal(t, events.KindReviewResult, terminal.Message.Kind)
	assert.Contains(t, terminal.Message.UnifiedDiff, "-export const createTask = impl")
	assert.Contains(t, terminal.Message.UnifiedDiff, "+export const createTask = revised")

	// Only the edit stage ran.
	for _, system := range h.adapter.calls {
		if strings.HasPrefix(system, "stage:") {
			assert.Equal(t, "stage:edit", system)
		}
	}
}

func TestInteractiveModePausesAndResumes(t *testing.T) {
	h := newHarness(t)
	req, err := ParseRequest([]byte(`{
		"all_messages": [{"role": "user", "content": "Build a todo app"}],
		"trace_id": "trace-3",
		"settings": {"interaction_mode": "interactive"}
	}`))
	require.NoError(t, err)

	got := collect(t, h.coordinator.Run(context.Background(), req))
	terminal := terminalOf(t, got)
	require.Equal(t, events.KindRefinementRequest, terminal.Message.Kind)
	assert.Contains(t, terminal.Message.Blocks[0].Content, "draft")
	// The pause carries the work so far for client-side review.
	assert.Contains(t, terminal.Message.UnifiedDiff, "+export const createTask = stub")

	st, err := DecodeState(terminal.Message.AgentState)
	require.NoError(t, err)
	var cp fsm.Checkpoint
	require.NoError(t, json.Unmarshal(st.FSMState, &cp))
	assert.Equal(t, []string{fsm.ReviewState(fsm.StageDraft)}, cp.StackPath)

	// Next turn: the user confirms, the machine advances one stage and
	// pauses at the next review.
	terminal2 := confirmTurn(t, h, "trace-3", terminal.Message.AgentState)
	require.Equal(t, events.KindRefinementRequest, terminal2.Message.Kind)
	assert.Contains(t, terminal2.Message.Blocks[0].Content, "handlers")
}

// confirmTurn resumes a paused session with a bare CONFIRM, deliberately
// resending no files.
func confirmTurn(t *testing.T, h *harness, trace string, state json.RawMessage) events.Event {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"all_messages": []map[string]string{
			{"role": "user", "content": "Build a todo app"},
			{"role": "assistant", "content": "review"},
			{"role": "user", "content": "CONFIRM"},
		},
		"trace_id":    trace,
		"agent_state": state,
	})
	require.NoError(t, err)
	req, err := ParseRequest(body)
	require.NoError(t, err)
	return terminalOf(t, collect(t, h.coordinator.Run(context.Background(), req)))
}

func TestInteractiveConfirmKeepsGeneratedFiles(t *testing.T) {
	h := newHarness(t)
	req, err := ParseRequest([]byte(`{
		"all_messages": [{"role": "user", "content": "Build a todo app"}],
		"trace_id": "trace-5",
		"settings": {"interaction_mode": "interactive"}
	}`))
	require.NoError(t, err)

	got := collect(t, h.coordinator.Run(context.Background(), req))
	terminal := terminalOf(t, got)
	require.Equal(t, events.KindRefinementRequest, terminal.Message.Kind)

	// CONFIRM through handlers: the draft output survives the pause even
	// though the client never echoed it back, so the handler fan-out still
	// finds its file and rewrites it.
	terminal = confirmTurn(t, h, "trace-5", terminal.Message.AgentState)
	require.Equal(t, events.KindRefinementRequest, terminal.Message.Kind)
	assert.Contains(t, terminal.Message.Blocks[0].Content, "handlers")
	assert.Contains(t, terminal.Message.UnifiedDiff, "+export const createTask = impl")

	// CONFIRM through frontend.
	terminal = confirmTurn(t, h, "trace-5", terminal.Message.AgentState)
	require.Equal(t, events.KindRefinementRequest, terminal.Message.Kind)
	assert.Contains(t, terminal.Message.Blocks[0].Content, "frontend")
	assert.Contains(t, terminal.Message.UnifiedDiff, "client/src/App.tsx")

	// Final CONFIRM completes with every stage's output in the diff.
	terminal = confirmTurn(t, h, "trace-5", terminal.Message.AgentState)
	require.Equal(t, events.KindReviewResult, terminal.Message.Kind)
	assert.Contains(t, terminal.Message.UnifiedDiff, "+export const createTask = impl")
	assert.Contains(t, terminal.Message.UnifiedDiff, "+export const App = ui")

	st, err := DecodeState(terminal.Message.AgentState)
	require.NoError(t, err)
	var cp fsm.Checkpoint
	require.NoError(t, json.Unmarshal(st.FSMState, &cp))
	assert.Equal(t, []string{fsm.StageComplete}, cp.StackPath)
}

func TestUnknownSettingsWarn(t *testing.T) {
	h := newHarness(t)
	req, err := ParseRequest([]byte(`{
		"all_messages": [{"role": "user", "content": "Build a todo app"}],
		"trace_id": "trace-6",
		"settings": {"interaction_mode": "non_interactive", "turbo": true}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"turbo"}, req.UnknownSettings)

	got := collect(t, h.coordinator.Run(context.Background(), req))
	var texts []string
	for _, ev := range got {
		if ev.Message.Kind == events.KindStageResult {
			texts = append(texts, ev.Message.Blocks[0].Content)
		}
	}
	assert.Contains(t, strings.Join(texts, "\n"), `ignoring unknown setting "turbo"`)
}

func TestLLMFailureEmitsRuntimeError(t *testing.T) {
	h := newHarness(t)
	h.adapter.fail = llm.ErrorFromHTTPStatus("anthropic", 401, "invalid api key", nil)

	req, err := ParseRequest([]byte(`{
		"all_messages": [{"role": "user", "content": "Build a todo app"}],
		"trace_id": "trace-4"
	}`))
	require.NoError(t, err)

	got := collect(t, h.coordinator.Run(context.Background(), req))
	terminal := terminalOf(t, got)
	assert.Equal(t, events.KindRuntimeError, terminal.Message.Kind)
	assert.Contains(t, terminal.Message.Blocks[0].Content, "draft")
}

func TestParseRequestValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"empty trace", `{"all_messages": [{"role": "user", "content": "x"}]}`},
		{"no messages", `{"trace_id": "t", "all_messages": []}`},
		{"bad role", `{"trace_id": "t", "all_messages": [{"role": "system", "content": "x"}]}`},
		{"assistant last", `{"trace_id": "t", "all_messages": [{"role": "user", "content": "x"}, {"role": "assistant", "content": "y"}]}`},
		{"bad mode", `{"trace_id": "t", "all_messages": [{"role": "user", "content": "x"}], "settings": {"interaction_mode": "chatty"}}`},
		{"file without path", `{"trace_id": "t", "all_messages": [{"role": "user", "content": "x"}], "all_files": [{"content": "y"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tc.body))
			assert.Error(t, err)
		})
	}

	req, err := ParseRequest([]byte(`{
		"trace_id": "t",
		"all_messages": [
			{"role": "user", "content": "first"},
			{"role": "assistant", "content": "mid"},
			{"role": "user", "content": "last"}
		]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "first", req.FirstUserMessage())
	assert.Equal(t, "last", req.LastUserMessage())
	assert.Empty(t, req.UnknownSettings)

	req, err = ParseRequest([]byte(`{
		"trace_id": "t",
		"all_messages": [{"role": "user", "content": "x"}],
		"settings": {"beam_width": 2, "frobnicate": true, "aggression": 9}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"aggression", "frobnicate"}, req.UnknownSettings)
}

func TestUnifiedDiff(t *testing.T) {
	diff, err := UnifiedDiff(
		map[string]string{"kept.ts": "same\n", "changed.ts": "old\n", "gone.ts": "bye\n"},
		map[string]string{"kept.ts": "same\n", "changed.ts": "new\n", "added.ts": "hi\n"},
	)
	require.NoError(t, err)

	assert.NotContains(t, diff, "kept.ts")
	assert.Contains(t, diff, "--- a/changed.ts")
	assert.Contains(t, diff, "-old")
	assert.Contains(t, diff, "+new")
	assert.Contains(t, diff, "--- /dev/null\n+++ b/added.ts")
	assert.Contains(t, diff, "--- a/gone.ts\n+++ /dev/null")

	// Path order is deterministic.
	assert.Less(t, strings.Index(diff, "added.ts"), strings.Index(diff, "changed.ts"))
}

func TestTitleSlugFallback(t *testing.T) {
	assert.Equal(t, "Build A Todo", titleSlug("build a todo-app for teams", 3))
	assert.Equal(t, "New App", titleSlug("!!!", 4))
	assert.Equal(t, "Écrire Une App", titleSlug("écrire une app géniale", 3))
}

func TestDiffPaths(t *testing.T) {
	diff := "--- a/x.ts\n+++ b/x.ts\n@@\n--- /dev/null\n+++ b/y.ts\n@@\n"
	assert.Equal(t, []string{"x.ts", "y.ts"}, diffPaths(diff))
}
