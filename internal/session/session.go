// Package session coordinates one request/response turn: it parses the
// request, seeds the workspace, restores or initializes the stage machine,
// drives the sub-agents, and converts their progress into the outbound
// event stream.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/appdraft/appdraft/internal/events"
	"github.com/appdraft/appdraft/internal/fsm"
	"github.com/appdraft/appdraft/internal/llm"
	"github.com/appdraft/appdraft/internal/snapshot"
	"github.com/appdraft/appdraft/internal/subagent"
	"github.com/appdraft/appdraft/internal/template"
	"github.com/appdraft/appdraft/internal/tools"
	"github.com/appdraft/appdraft/internal/validator"
	"github.com/appdraft/appdraft/internal/workspace"
)

const (
	// DefaultBudget is the soft wall-clock limit for one turn.
	DefaultBudget = 15 * time.Minute
	// DefaultMaxParallel bounds concurrent handler sub-agents.
	DefaultMaxParallel = 4
)

type Config struct {
	Client    *llm.Client
	Runtime   workspace.Runtime
	Templates *template.Registry

	// Snapshots persists checkpoints and events; nil disables persistence.
	Snapshots snapshot.Store

	Logger *slog.Logger

	Provider string
	Model    string

	Buffer      int
	MaxParallel int
	Budget      time.Duration
	ExecTimeout time.Duration
}

// Coordinator spawns one session per inbound request.
type Coordinator struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("session coordinator requires an llm client")
	}
	if cfg.Runtime == nil {
		return nil, fmt.Errorf("session coordinator requires a workspace runtime")
	}
	if cfg.Templates == nil {
		cfg.Templates = template.NewRegistry()
	}
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{cfg: cfg, log: log}, nil
}

// Run starts one turn and returns its event stream. The stream always ends
// with exactly one terminal idle event; on failure or cancellation that
// event is a RuntimeError.
func (c *Coordinator) Run(ctx context.Context, req *Request) *events.Stream {
	stream := events.NewStream(req.TraceID, c.cfg.Buffer)
	go c.drive(ctx, req, stream)
	return stream
}

func (c *Coordinator) drive(parent context.Context, req *Request, stream *events.Stream) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.Budget)
	defer cancel()

	s := &session{
		cfg:    c.cfg,
		log:    c.log.With("trace_id", req.TraceID, "application_id", req.ApplicationID, "run_id", ulid.Make().String()),
		req:    req,
		stream: stream,
	}
	if err := s.run(ctx); err != nil {
		s.log.Error("session failed", "err", err)
		// Terminal emission must not hang on a gone client.
		s.ctx = context.Background()
		s.closeWith(events.Message{
			Kind:   events.KindRuntimeError,
			Blocks: textBlocks(err.Error()),
		})
	}
}

type session struct {
	cfg Config
	log *slog.Logger
	req *Request

	ctx    context.Context
	tpl    *template.Template
	mode   fsm.InteractionMode
	set    Settings
	ws     *workspace.Workspace
	suite  *validator.Suite
	stream *events.Stream
	state  *SessionState
	prompt string

	// deltasMu guards root-workspace folds from concurrent stages.
	deltasMu sync.Mutex

	frontendRes chan stageOutcome
}

type stageOutcome struct {
	out map[string]any
	err error
}

func (s *session) run(ctx context.Context) error {
	s.ctx = ctx
	st, err := DecodeState(s.req.AgentState)
	if err != nil {
		return err
	}
	s.state = st
	s.prompt = s.req.LastUserMessage()

	if err := s.resolveTemplate(); err != nil {
		return err
	}
	if err := s.seedWorkspace(); err != nil {
		return err
	}
	s.suite, err = validator.New(validator.Config{Checks: s.tpl.Checks, Client: s.cfg.Client})
	if err != nil {
		return err
	}

	m, err := s.restoreOrInit()
	if err != nil {
		return err
	}
	st.FSMMessages = append(st.FSMMessages, llm.User(s.prompt))
	for _, key := range s.req.UnknownSettings {
		s.emit(events.Text(events.KindStageResult, fmt.Sprintf("ignoring unknown setting %q", key)))
	}

	if err := m.Run(ctx, s.agents()); err != nil {
		return err
	}

	paused := !m.Done() && m.Current() != fsm.StageFailure
	if paused {
		// The next turn's workspace must resume with every stage's output,
		// whether or not the client echoes the files back.
		s.stashFiles(m)
	}
	dump, err := json.Marshal(m.Dump())
	if err != nil {
		return err
	}
	st.FSMState = dump

	switch {
	case m.Current() == fsm.StageFailure:
		reason := m.Context().String(fsm.ContextKeyError)
		if reason == "" {
			reason = "generation failed"
		}
		s.closeWith(events.Message{Kind: events.KindRuntimeError, Blocks: textBlocks(reason)})
	case m.Done():
		if err := s.closeComplete(ctx); err != nil {
			return err
		}
	default:
		stage := strings.TrimPrefix(m.Current(), "review_")
		after, err := s.finalFiles(ctx)
		if err != nil {
			return err
		}
		diff, err := UnifiedDiff(s.req.FileMap(), after)
		if err != nil {
			return err
		}
		s.closeWith(events.Message{
			Kind: events.KindRefinementRequest,
			Blocks: textBlocks(fmt.Sprintf(
				"The %s stage is ready for review. Reply CONFIRM to continue, or describe the changes you want.", stage)),
			UnifiedDiff: diff,
			AppName:     s.state.Metadata.AppName,
		})
	}
	return nil
}

func (s *session) resolveTemplate() error {
	name := s.state.Metadata.Template
	if name == "" {
		name = s.req.Settings.Template
	}
	tpl, err := s.cfg.Templates.Get(name)
	if err != nil {
		return err
	}
	s.tpl = tpl
	s.state.Metadata.Template = tpl.Name

	modeStr := s.state.Metadata.InteractionMode
	if modeStr == "" {
		modeStr = s.req.Settings.InteractionMode
	}
	mode, err := fsm.ParseMode(modeStr)
	if err != nil {
		return err
	}
	s.mode = mode
	s.state.Metadata.InteractionMode = string(mode)

	s.set = s.req.Settings
	if s.set.BeamWidth <= 0 {
		s.set.BeamWidth = tpl.Defaults.BeamWidth
	}
	if s.set.MaxDepth <= 0 {
		s.set.MaxDepth = tpl.Defaults.MaxDepth
	}
	return nil
}

func (s *session) seedWorkspace() error {
	ws, err := workspace.New(workspace.Config{
		Runtime:     s.cfg.Runtime,
		Image:       s.tpl.Image,
		ExecTimeout: s.cfg.ExecTimeout,
	})
	if err != nil {
		return err
	}
	if len(s.req.AllFiles) > 0 {
		deltas := make(map[string]*string, len(s.req.AllFiles))
		for _, f := range s.req.AllFiles {
			content := f.Content
			deltas[f.Path] = &content
		}
		ws.ApplyDeltas(deltas)
	}
	s.ws = ws
	return nil
}

// restoreOrInit rebuilds the machine from the prior checkpoint, delivers
// any review event carried by this turn's user message, or starts fresh.
// A checkpoint resting on complete means this turn is a refinement: it
// runs the template's edit stage as a one-stage pipeline.
func (s *session) restoreOrInit() (*fsm.Machine, error) {
	hooks := s.hooks()
	if len(s.state.FSMState) == 0 {
		def, err := s.pipelineDef()
		if err != nil {
			return nil, err
		}
		m, err := fsm.New(def, hooks)
		if err != nil {
			return nil, err
		}
		m.Context()["prompt"] = s.prompt
		return m, nil
	}

	var cp fsm.Checkpoint
	if err := json.Unmarshal(s.state.FSMState, &cp); err != nil {
		return nil, fmt.Errorf("decode fsm checkpoint: %w", err)
	}
	if len(cp.StackPath) > 0 && cp.StackPath[0] == fsm.StageComplete {
		def, err := s.editDef()
		if err != nil {
			return nil, err
		}
		m, err := fsm.New(def, hooks)
		if err != nil {
			return nil, err
		}
		m.Context()["prompt"] = s.prompt
		return m, nil
	}

	def, err := s.pipelineDef()
	if err != nil {
		return nil, err
	}
	m, err := fsm.Restore(def, cp, hooks)
	if err != nil {
		return nil, err
	}
	s.replayFiles(m)
	s.applyReviewEvent(m)
	return m, nil
}

// stashFiles carries the staged overlay into the checkpoint context before
// a review pause.
func (s *session) stashFiles(m *fsm.Machine) {
	m.Context()["files"] = s.ws.Overlay()
}

// replayFiles restores the overlay a prior turn stashed at its review
// pause, then drops it from the context so the next pause stashes fresh.
func (s *session) replayFiles(m *fsm.Machine) {
	raw, ok := m.Context()["files"]
	if !ok {
		return
	}
	delete(m.Context(), "files")
	b, err := json.Marshal(raw)
	if err != nil {
		s.log.Warn("stashed files unreadable", "err", err)
		return
	}
	var overlay map[string]workspace.FileState
	if err := json.Unmarshal(b, &overlay); err != nil {
		s.log.Warn("stashed files unreadable", "err", err)
		return
	}
	deltas := make(map[string]*string, len(overlay))
	for path, st := range overlay {
		if st.Deleted {
			deltas[path] = nil
		} else {
			content := st.Content
			deltas[path] = &content
		}
	}
	s.ws.ApplyDeltas(deltas)
}

// applyReviewEvent interprets the turn's user message while the machine
// waits in a review state: a literal CONFIRM advances, anything else is a
// revision request that re-runs the reviewed stage.
func (s *session) applyReviewEvent(m *fsm.Machine) {
	cur := m.Current()
	stage, ok := strings.CutPrefix(cur, "review_")
	if !ok {
		return
	}
	if strings.EqualFold(strings.TrimSpace(s.prompt), "confirm") {
		m.HandleEvent(fsm.EventConfirm)
		return
	}
	prior := m.Context().String("prompt")
	m.Context()["prompt"] = prior + "\n\nRevision request:\n" + s.prompt
	m.HandleEvent(fsm.ReviseEvent(stage))
}

func (s *session) pipelineDef() (*fsm.Definition, error) {
	stages := make([]fsm.Stage, 0, len(s.tpl.Stages))
	for _, st := range s.tpl.Stages {
		name := st.Name
		stages = append(stages, fsm.Stage{
			Name:   name,
			Inputs: promptInputs,
			Fold: func(c fsm.Context, out map[string]any) {
				c[name+"_files"] = out["files"]
			},
		})
	}
	return fsm.NewPipeline(fsm.PipelineConfig{Name: s.tpl.Name, Mode: s.mode, Stages: stages})
}

func (s *session) editDef() (*fsm.Definition, error) {
	return fsm.NewPipeline(fsm.PipelineConfig{
		Name:   s.tpl.Name + "-edit",
		Stages: []fsm.Stage{{Name: s.tpl.Edit.Name, Inputs: promptInputs}},
	})
}

func promptInputs(c fsm.Context) map[string]any {
	return map[string]any{"prompt": c.String("prompt")}
}

// agents binds every template stage to its sub-agent runner. In templates
// with a concurrent frontend, entering handlers also starts the frontend
// sub-agent; the frontend state then just awaits its outcome.
func (s *session) agents() map[string]fsm.Agent {
	agents := map[string]fsm.Agent{}
	bind := func(st template.Stage) {
		stage := st
		switch stage.Name {
		case fsm.StageHandlers:
			agents[stage.Name] = func(ctx context.Context, in map[string]any) (map[string]any, error) {
				return s.runHandlers(ctx, in)
			}
		case fsm.StageFrontend:
			agents[stage.Name] = func(ctx context.Context, in map[string]any) (map[string]any, error) {
				if s.frontendRes != nil {
					res := <-s.frontendRes
					return res.out, res.err
				}
				return s.runStage(ctx, stage, stage.Name, in)
			}
		default:
			agents[stage.Name] = func(ctx context.Context, in map[string]any) (map[string]any, error) {
				return s.runStage(ctx, stage, stage.Name, in)
			}
		}
	}
	for _, st := range s.tpl.Stages {
		bind(st)
	}
	bind(s.tpl.Edit)
	return agents
}

// runStage executes one sub-agent search scoped by the stage policy and
// folds the solution deltas into the session workspace.
func (s *session) runStage(ctx context.Context, stage template.Stage, nodeContext string, in map[string]any) (map[string]any, error) {
	ws := s.cloneScoped(stage)
	system, user := stage.Prompt(in)
	if listing := s.relevantListing(ctx, stage); listing != "" {
		user += "\n\n" + listing
	}

	beam := stage.BeamWidth
	if beam <= 0 {
		beam = s.set.BeamWidth
	}
	agent, err := subagent.New(subagent.Config{
		Client:         s.cfg.Client,
		Validator:      s.suite,
		BeamWidth:      beam,
		MaxDepth:       s.set.MaxDepth,
		MaxParallel:    s.cfg.MaxParallel,
		Provider:       s.cfg.Provider,
		Model:          s.cfg.Model,
		ThinkingBudget: s.set.ThinkingBudget,
		Progress:       s.progress(nodeContext),
	})
	if err != nil {
		return nil, err
	}

	id, err := agent.Execute(ctx, subagent.Inputs{
		Context:     nodeContext,
		Prompt:      user,
		System:      system,
		Workspace:   ws,
		CustomTools: []tools.CustomTool{tools.NPMInstall()},
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", nodeContext, err)
	}

	deltas := agent.Tree().Deltas(id)
	s.deltasMu.Lock()
	s.ws.ApplyDeltas(deltas)
	s.deltasMu.Unlock()
	return map[string]any{"files": len(deltas)}, nil
}

func (s *session) cloneScoped(stage template.Stage) *workspace.Workspace {
	s.deltasMu.Lock()
	ws := s.ws.Clone()
	s.deltasMu.Unlock()
	ws.SetPermissions(stage.Policy.Allowed, stage.Policy.Protected)
	return ws
}

// runHandlers fans one sub-agent out per handler through a bounded worker
// pool. With a concurrent-frontend template the frontend sub-agent starts
// first, cloned from the post-draft workspace.
func (s *session) runHandlers(ctx context.Context, in map[string]any) (map[string]any, error) {
	// Interactive mode pauses after handlers, ending the turn while a
	// concurrent frontend would still be running; run it sequentially there.
	if s.tpl.ConcurrentFrontend && s.mode != fsm.ModeInteractive && s.frontendRes == nil {
		s.startFrontend(ctx, in)
	}

	stage, err := s.tpl.Stage(fsm.StageHandlers)
	if err != nil {
		return nil, err
	}
	names, err := s.handlerNames(ctx)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return map[string]any{"handlers": 0}, nil
	}

	jobs := make(chan int)
	errs := make([]error, len(names))
	var wg sync.WaitGroup

	worker := func() {
		defer wg.Done()
		for idx := range jobs {
			name := names[idx]
			hin := map[string]any{"prompt": in["prompt"], "handler": name}
			_, errs[idx] = s.runStage(ctx, *stage, "handler:"+name, hin)
		}
	}

	workers := s.cfg.MaxParallel
	if workers > len(names) {
		workers = len(names)
	}
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go worker()
	}
	for idx := range names {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	for idx, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", names[idx], err)
		}
	}
	return map[string]any{"handlers": len(names)}, nil
}

func (s *session) startFrontend(ctx context.Context, in map[string]any) {
	stage, err := s.tpl.Stage(fsm.StageFrontend)
	if err != nil {
		// Template without a frontend stage; nothing to start.
		return
	}
	s.frontendRes = make(chan stageOutcome, 1)
	go func() {
		out, err := s.runStage(ctx, *stage, fsm.StageFrontend, in)
		s.frontendRes <- stageOutcome{out: out, err: err}
	}()
}

// handlerNames derives the handler list from the post-draft workspace:
// one handler per source file under the handlers directory.
func (s *session) handlerNames(ctx context.Context) ([]string, error) {
	const dir = "server/src/handlers/"
	paths, err := s.ws.List(ctx, dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range paths {
		base := strings.TrimPrefix(p, dir)
		if strings.Contains(base, "/") {
			continue
		}
		name, ok := strings.CutSuffix(base, ".ts")
		if !ok || name == "index" {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// relevantListing primes the prompt with the paths in the stage's
// relevant scope.
func (s *session) relevantListing(ctx context.Context, stage template.Stage) string {
	if len(stage.Policy.Relevant) == 0 {
		return ""
	}
	var paths []string
	for _, prefix := range stage.Policy.Relevant {
		found, err := s.ws.List(ctx, prefix)
		if err != nil {
			s.log.Warn("listing relevant paths failed", "prefix", prefix, "err", err)
			continue
		}
		paths = append(paths, found...)
	}
	if len(paths) == 0 {
		return ""
	}
	return "Relevant files:\n" + strings.Join(paths, "\n")
}

// emitFirstTurnReview sends the template scaffold diff and the generated
// app name once, when the first sub-agent starts.
func (s *session) emitFirstTurnReview(ctx context.Context) {
	if s.state.Metadata.TemplateDiffSent || len(s.req.AllFiles) > 0 {
		return
	}
	after, err := s.finalFiles(ctx)
	if err != nil {
		s.log.Warn("template diff skipped", "err", err)
		return
	}
	diff, err := UnifiedDiff(map[string]string{}, after)
	if err != nil {
		s.log.Warn("template diff skipped", "err", err)
		return
	}
	name := s.appName(ctx, s.req.FirstUserMessage())
	s.state.Metadata.AppName = name
	s.state.Metadata.TemplateDiffSent = true
	s.emit(events.Message{
		Kind:        events.KindReviewResult,
		Blocks:      textBlocks("Scaffolded " + name),
		UnifiedDiff: diff,
		AppName:     name,
	})
}

func (s *session) closeComplete(ctx context.Context) error {
	after, err := s.finalFiles(ctx)
	if err != nil {
		return err
	}
	diff, err := UnifiedDiff(s.req.FileMap(), after)
	if err != nil {
		return err
	}
	commit := s.commitMessage(ctx, s.prompt, diff)
	s.state.FSMMessages = append(s.state.FSMMessages, llm.Assistant(llm.TextBlock(commit)))
	s.closeWith(events.Message{
		Kind:          events.KindReviewResult,
		Blocks:        textBlocks(commit),
		UnifiedDiff:   diff,
		AppName:       s.state.Metadata.AppName,
		CommitMessage: commit,
	})
	return nil
}

func (s *session) finalFiles(ctx context.Context) (map[string]string, error) {
	paths, err := s.ws.List(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		content, err := s.ws.ReadFile(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = content
	}
	return out, nil
}

// progress converts a sub-agent's map-shaped events into StageResult text.
func (s *session) progress(nodeContext string) subagent.ProgressFunc {
	return func(ev map[string]any) {
		var text string
		switch ev["event"] {
		case "expansion":
			text = fmt.Sprintf("%s: expanding %v candidate(s) across %v node(s)", nodeContext, ev["candidates"], ev["nodes"])
		case "solution":
			text = fmt.Sprintf("%s: solution found at depth %v", nodeContext, ev["depth"])
		case "search_exhausted":
			text = fmt.Sprintf("%s: search exhausted after %v node(s)", nodeContext, ev["nodes"])
		default:
			return
		}
		s.emit(events.Text(events.KindStageResult, text))
	}
}

func (s *session) hooks() fsm.Hooks {
	return fsm.Hooks{
		Enter: func(cp fsm.Checkpoint) { s.snapshot(snapshot.KeyFSMEnter, cp) },
		Exit:  func(cp fsm.Checkpoint) { s.snapshot(snapshot.KeyFSMExit, cp) },
		Running: func(stage string) {
			s.emitFirstTurnReview(s.ctx)
			s.emit(events.Text(events.KindStageResult, "starting "+stage))
		},
	}
}

func (s *session) emit(msg events.Message) {
	ev, err := s.stream.Send(s.ctx, msg)
	if err != nil {
		s.log.Warn("event emission failed", "kind", msg.Kind, "err", err)
		return
	}
	s.snapshot(snapshot.EventKey(ev.Seq), ev)
}

// closeWith attaches the session state and emits the terminal idle event.
func (s *session) closeWith(msg events.Message) {
	if s.state == nil {
		s.state = &SessionState{}
	}
	if raw, err := s.state.Encode(); err == nil {
		msg.AgentState = raw
	} else {
		s.log.Error("encoding agent_state failed", "err", err)
	}
	ev, err := s.stream.Close(msg)
	if err != nil {
		// Already closed by an earlier terminal path.
		return
	}
	s.snapshot(snapshot.EventKey(ev.Seq), ev)
}

func (s *session) snapshot(key string, v any) {
	if s.cfg.Snapshots == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("snapshot encode failed", "key", key, "err", err)
		return
	}
	if err := s.cfg.Snapshots.Put(s.ctx, s.req.TraceID, key, b); err != nil {
		s.log.Warn("snapshot write failed", "key", key, "err", err)
	}
}

func textBlocks(content string) []events.Block {
	return events.Text(events.KindStageResult, content).Blocks
}
