package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appdraft/appdraft/internal/events"
	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/session"
	"github.com/appdraft/appdraft/internal/template"
	"github.com/appdraft/appdraft/internal/validator"
	"github.com/appdraft/appdraft/internal/workspace"
)

type cannedAdapter struct{}

func (cannedAdapter) Name() string { return "anthropic" }

func (cannedAdapter) Complete(_ context.Context, req llm.Request) (llm.Completion, error) {
	if len(req.Tools) == 0 {
		return llm.Completion{Message: llm.Assistant(llm.TextBlock("Demo App"))}, nil
	}
	write, _ := json.Marshal(map[string]string{"path": "src/main.ts", "content": "export {}"})
	return llm.Completion{Message: llm.Assistant(
		llm.ToolUse("w1", "write_file", write),
		llm.ToolUse("c1", "complete", json.RawMessage(`{}`)),
	)}, nil
}

// blockingAdapter stalls every completion until the call's context ends.
type blockingAdapter struct{}

func (blockingAdapter) Name() string { return "anthropic" }

func (blockingAdapter) Complete(ctx context.Context, _ llm.Request) (llm.Completion, error) {
	<-ctx.Done()
	return llm.Completion{}, ctx.Err()
}

func newTestServer(t *testing.T) *Server {
	return newTestServerWith(t, cannedAdapter{}, 0)
}

func newTestServerWith(t *testing.T, adapter llm.ProviderAdapter, grace time.Duration) *Server {
	t.Helper()

	rt := workspace.NewLocalRuntime()
	rt.RegisterImage("template:demo", "")

	client := llm.NewClient()
	client.Register(adapter)

	reg := template.NewRegistry()
	reg.Register(&template.Template{
		Name:  "demo",
		Image: "template:demo",
		Stages: []template.Stage{{
			Name: "draft",
			Prompt: func(in map[string]any) (string, string) {
				return "stage:draft", in["prompt"].(string)
			},
		}},
		Edit:     template.Stage{Name: "edit", Prompt: func(map[string]any) (string, string) { return "stage:edit", "edit" }},
		Checks:   func(string) []validator.Check { return nil },
		Defaults: template.Settings{BeamWidth: 1, MaxDepth: 5},
	})
	require.NoError(t, reg.SetDefault("demo"))

	coord, err := session.New(session.Config{
		Client:    client,
		Runtime:   rt,
		Templates: reg,
		Provider:  "anthropic",
	})
	require.NoError(t, err)
	return New(Config{Addr: ":0", Coordinator: coord, DisconnectGrace: grace})
}

func generateBody() string {
	return `{"all_messages": [{"role": "user", "content": "Build a demo"}], "trace_id": "trace-http-1"}`
}

func readSSE(t *testing.T, body *bufio.Reader) []events.Event {
	t.Helper()
	var out []events.Event
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return out
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.httpSrv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGenerateStreamsEvents(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.httpSrv.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader(generateBody()))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	got := readSSE(t, bufio.NewReader(resp.Body))
	require.NotEmpty(t, got)
	terminal := got[len(got)-1]
	assert.Equal(t, events.StatusIdle, terminal.Status)
	assert.Equal(t, events.KindReviewResult, terminal.Message.Kind)
	assert.Contains(t, terminal.Message.UnifiedDiff, "src/main.ts")
	for _, ev := range got[:len(got)-1] {
		assert.Equal(t, events.StatusRunning, ev.Status)
	}

	// Status flips to idle once the stream has drained.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(ts.URL + "/v1/sessions/trace-http-1")
		require.NoError(t, err)
		var status SessionStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
		resp.Body.Close()
		if status.State == "idle" {
			assert.Equal(t, "ReviewResult", status.TerminalKind)
			break
		}
		require.True(t, time.Now().Before(deadline), "session never went idle")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGenerateRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.httpSrv.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/generate", "application/json", strings.NewReader(`{"trace_id": ""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "trace_id")
}

func TestStatusAndCancelUnknownSession(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.httpSrv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/sessions/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/v1/sessions/nope/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCSRFBlocksForeignOrigins(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.httpSrv.Handler)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/generate", strings.NewReader(generateBody()))
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req2, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/generate", strings.NewReader(generateBody()))
	require.NoError(t, err)
	req2.Header.Set("Origin", "http://localhost:3000")
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestClientDisconnectCancelsSession(t *testing.T) {
	s := newTestServerWith(t, blockingAdapter{}, 20*time.Millisecond)
	ts := httptest.NewServer(s.httpSrv.Handler)
	defer ts.Close()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, ts.URL+"/v1/generate", strings.NewReader(generateBody()))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancelReq()
	}()
	resp, err := http.DefaultClient.Do(req)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	// Past the grace window the abandoned session is torn down and lands on
	// a RuntimeError terminal.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := http.Get(ts.URL + "/v1/sessions/trace-http-1")
		require.NoError(t, err)
		var status SessionStatus
		require.NoError(t, json.NewDecoder(st.Body).Decode(&status))
		st.Body.Close()
		if status.State == "idle" {
			assert.Equal(t, "RuntimeError", status.TerminalKind)
			break
		}
		require.True(t, time.Now().Before(deadline), "session survived the disconnect")
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegistryDuplicateRules(t *testing.T) {
	r := NewRegistry()
	b := events.NewBroadcaster()

	first := &SessionEntry{TraceID: "t", Broadcaster: b, StartedAt: time.Now()}
	require.NoError(t, r.Register(first))
	assert.Error(t, r.Register(&SessionEntry{TraceID: "t", Broadcaster: b}))

	// A later turn may reuse the trace id once the first is done.
	first.MarkDone(nil)
	assert.NoError(t, r.Register(&SessionEntry{TraceID: "t", Broadcaster: b}))
	assert.Equal(t, []string{"t"}, r.List())
}

func TestCancelAllStopsRunningSessions(t *testing.T) {
	r := NewRegistry()
	cancelled := false
	entry := &SessionEntry{
		TraceID:     "t",
		Broadcaster: events.NewBroadcaster(),
		Cancel:      func() { cancelled = true },
		StartedAt:   time.Now(),
	}
	require.NoError(t, r.Register(entry))
	r.CancelAll()
	assert.True(t, cancelled)
}
