package fsm

import (
	"errors"
	"fmt"
	"strings"
)

// InteractionMode controls whether review states sit between work states.
type InteractionMode string

const (
	// ModeNonInteractive cascades every on_done straight to the next stage.
	ModeNonInteractive InteractionMode = "non_interactive"
	// ModeInteractive pauses after every work state for CONFIRM / REVISE.
	ModeInteractive InteractionMode = "interactive"
	// ModeTypespecOnly pauses only after the first stage.
	ModeTypespecOnly InteractionMode = "typespec_only"
)

// ParseMode maps a settings string to a mode; empty means non-interactive.
func ParseMode(s string) (InteractionMode, error) {
	switch InteractionMode(s) {
	case "", ModeNonInteractive:
		return ModeNonInteractive, nil
	case ModeInteractive:
		return ModeInteractive, nil
	case ModeTypespecOnly:
		return ModeTypespecOnly, nil
	}
	return "", fmt.Errorf("unknown interaction mode %q", s)
}

// Stage names shared by the shipped pipelines.
const (
	StageDraft        = "draft"
	StageHandlers     = "handlers"
	StageFrontend     = "frontend"
	StageComplete     = "complete"
	StageFailure      = "failure"
	StageTypespec     = "typespec"
	StageDrizzle      = "drizzle"
	StageTypescript   = "typescript"
	StageHandlerTests = "handler_tests"
)

// ReviseEvent names the external event that re-runs a reviewed stage.
func ReviseEvent(stage string) Event {
	return Event("REVISE_" + strings.ToUpper(stage))
}

// ReviewState names the review state inserted after a work state.
func ReviewState(stage string) string { return "review_" + stage }

// Stage describes one work state of a linear pipeline.
type Stage struct {
	Name string
	// Agent keys into the agent map given to Run; defaults to Name.
	Agent  string
	Inputs func(Context) map[string]any
	// Fold merges the agent output into context before the transition.
	Fold func(Context, map[string]any)
}

// PipelineConfig assembles work states into a definition with complete
// and failure terminals plus mode-dependent review states.
type PipelineConfig struct {
	Name   string
	Mode   InteractionMode
	Stages []Stage
}

// NewPipeline builds the definition for a linear stage pipeline. Every
// invoke routes errors to failure; on_done targets the next work state,
// or a review state when the mode calls for one.
func NewPipeline(cfg PipelineConfig) (*Definition, error) {
	if len(cfg.Stages) == 0 {
		return nil, errors.New("fsm: pipeline needs at least one stage")
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeNonInteractive
	}

	states := map[string]*State{
		StageComplete: {Name: StageComplete, Terminal: true},
		StageFailure:  {Name: StageFailure, Terminal: true},
	}
	for i, st := range cfg.Stages {
		if st.Name == "" {
			return nil, fmt.Errorf("fsm: stage %d has no name", i)
		}
		if _, dup := states[st.Name]; dup {
			return nil, fmt.Errorf("fsm: duplicate stage %q", st.Name)
		}
		next := StageComplete
		if i+1 < len(cfg.Stages) {
			next = cfg.Stages[i+1].Name
		}
		doneTarget := next
		if mode == ModeInteractive || (mode == ModeTypespecOnly && i == 0) {
			review := ReviewState(st.Name)
			states[review] = &State{
				Name: review,
				Transitions: map[Event]string{
					EventConfirm:         next,
					ReviseEvent(st.Name): st.Name,
				},
			}
			doneTarget = review
		}
		agent := st.Agent
		if agent == "" {
			agent = st.Name
		}
		states[st.Name] = &State{
			Name: st.Name,
			Invoke: &Invoke{
				Agent:   agent,
				Inputs:  st.Inputs,
				OnDone:  Transition{Target: doneTarget, Action: st.Fold},
				OnError: Transition{Target: StageFailure, Action: recordError},
			},
		}
	}

	def := &Definition{Name: cfg.Name, Initial: cfg.Stages[0].Name, States: states}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func recordError(c Context, out map[string]any) {
	if msg, ok := out[ContextKeyError].(string); ok && msg != "" {
		c[ContextKeyError] = msg
	}
}

// CanonicalStages lists the work states of the current pipeline in order.
func CanonicalStages() []string {
	return []string{StageDraft, StageHandlers, StageFrontend}
}

// LegacyStages lists the work states of the typespec pipeline in order.
func LegacyStages() []string {
	return []string{StageTypespec, StageDrizzle, StageTypescript, StageHandlerTests, StageHandlers}
}
