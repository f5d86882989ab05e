// Package fsm implements the hierarchical stage machine that sequences
// sub-agent work. A machine is built from a static Definition; only the
// {stack_path, context} pair is serialized, so Restore requires the same
// Definition the checkpoint was dumped from. A Machine is not safe for
// concurrent use; the session coordinator drives it from one goroutine.
package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// Event is an external signal delivered to the machine between runs.
type Event string

const (
	// EventConfirm advances a review state to the next work state.
	EventConfirm Event = "CONFIRM"
	// EventDone is synthesized when a submachine reaches a terminal state.
	EventDone Event = "DONE"
)

// Context carries the user prompt, the running message thread, sub-agent
// dumps and per-stage outputs. It must stay JSON-serializable.
type Context map[string]any

// ContextKeyError holds the last recorded invoke failure.
const ContextKeyError = "error"

// String returns the context value at key if it is a string.
func (c Context) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Agent executes one stage of work. The machine treats the returned map
// as the stage output to fold back into context.
type Agent func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// Transition names a target state and an optional action that folds the
// invoke result (or error record) into context before the move.
type Transition struct {
	Target string
	Action func(Context, map[string]any)
}

// Invoke describes the work a state performs: which agent, how to derive
// its inputs from context, and where to go on completion or failure.
type Invoke struct {
	Agent   string
	Inputs  func(Context) map[string]any
	OnDone  Transition
	OnError Transition
}

// State is one node of a definition. Exactly one of Invoke, Sub, or a
// transition table (possibly empty, for terminal states) applies.
type State struct {
	Name        string
	Invoke      *Invoke
	Transitions map[Event]string
	Sub         *Definition
	Terminal    bool
}

// Definition is a validated, immutable state chart.
type Definition struct {
	Name    string
	Initial string
	States  map[string]*State
}

func (d *Definition) validate() error {
	if d == nil {
		return errors.New("fsm: nil definition")
	}
	if _, ok := d.States[d.Initial]; !ok {
		return fmt.Errorf("fsm: %s: initial state %q not defined", d.Name, d.Initial)
	}
	for name, s := range d.States {
		if s == nil {
			return fmt.Errorf("fsm: %s: state %q is nil", d.Name, name)
		}
		if s.Terminal && s.Invoke != nil {
			return fmt.Errorf("fsm: %s: terminal state %q has an invoke", d.Name, name)
		}
		if s.Sub != nil && s.Invoke != nil {
			return fmt.Errorf("fsm: %s: compound state %q has an invoke", d.Name, name)
		}
		if s.Invoke != nil {
			for _, target := range []string{s.Invoke.OnDone.Target, s.Invoke.OnError.Target} {
				if _, ok := d.States[target]; !ok {
					return fmt.Errorf("fsm: %s: state %q targets unknown state %q", d.Name, name, target)
				}
			}
		}
		for ev, target := range s.Transitions {
			if _, ok := d.States[target]; !ok {
				return fmt.Errorf("fsm: %s: state %q transition %s targets unknown state %q", d.Name, name, ev, target)
			}
		}
		if s.Sub != nil {
			if err := s.Sub.validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Checkpoint is the serializable machine state.
type Checkpoint struct {
	StackPath []string `json:"stack_path"`
	Context   Context  `json:"context"`
}

// Hooks observe the machine. Enter fires on every leaf-state entry,
// Exit after every fired transition, Running when an invoke starts.
type Hooks struct {
	Enter   func(Checkpoint)
	Exit    func(Checkpoint)
	Running func(stage string)
}

type frame struct {
	def   *Definition
	state string
}

// Machine is a running instance of a Definition.
type Machine struct {
	root  *Definition
	stack []frame
	ctx   Context
	hooks Hooks
}

// New validates the definition and enters its initial state.
func New(def *Definition, hooks Hooks) (*Machine, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	m := &Machine{root: def, ctx: Context{}, hooks: hooks}
	if err := m.push(def, def.Initial); err != nil {
		return nil, err
	}
	return m, nil
}

// Restore rebuilds a machine from a checkpoint without firing Enter hooks.
func Restore(def *Definition, cp Checkpoint, hooks Hooks) (*Machine, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	if len(cp.StackPath) == 0 {
		return nil, errors.New("fsm: checkpoint has an empty stack path")
	}
	m := &Machine{root: def, hooks: hooks, ctx: cp.Context}
	if m.ctx == nil {
		m.ctx = Context{}
	}
	d := def
	for i, name := range cp.StackPath {
		s := d.States[name]
		if s == nil {
			return nil, fmt.Errorf("fsm: checkpoint names unknown state %q", name)
		}
		m.stack = append(m.stack, frame{def: d, state: name})
		last := i == len(cp.StackPath)-1
		switch {
		case s.Sub != nil && last:
			return nil, fmt.Errorf("fsm: checkpoint stops at compound state %q", name)
		case s.Sub == nil && !last:
			return nil, fmt.Errorf("fsm: checkpoint path continues past leaf state %q", name)
		case s.Sub != nil:
			d = s.Sub
		}
	}
	return m, nil
}

// RestoreJSON decodes a dumped checkpoint and restores from it.
func RestoreJSON(def *Definition, raw json.RawMessage, hooks Hooks) (*Machine, error) {
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("fsm: decode checkpoint: %w", err)
	}
	return Restore(def, cp, hooks)
}

// Context returns the live context map.
func (m *Machine) Context() Context { return m.ctx }

// Current returns the name of the active leaf state.
func (m *Machine) Current() string { return m.stack[len(m.stack)-1].state }

// StackPath returns state names from the root machine down to the leaf.
func (m *Machine) StackPath() []string {
	path := make([]string, len(m.stack))
	for i, f := range m.stack {
		path[i] = f.state
	}
	return path
}

// Done reports whether the root machine sits on a terminal state.
func (m *Machine) Done() bool {
	return len(m.stack) == 1 && m.leaf().Terminal
}

// Dump captures the serializable machine state. The context map is
// shallow-copied; callers marshal it before mutating the machine further.
func (m *Machine) Dump() Checkpoint {
	return Checkpoint{StackPath: m.StackPath(), Context: maps.Clone(m.ctx)}
}

func (m *Machine) leaf() *State {
	top := m.stack[len(m.stack)-1]
	return top.def.States[top.state]
}

func (m *Machine) push(def *Definition, state string) error {
	s := def.States[state]
	if s == nil {
		return fmt.Errorf("fsm: unknown state %q in %s", state, def.Name)
	}
	m.stack = append(m.stack, frame{def: def, state: state})
	if s.Sub != nil {
		return m.push(s.Sub, s.Sub.Initial)
	}
	if m.hooks.Enter != nil {
		m.hooks.Enter(m.Dump())
	}
	return nil
}

// transition replaces the leaf frame with target in the same definition.
func (m *Machine) transition(target string) error {
	def := m.stack[len(m.stack)-1].def
	m.stack = m.stack[:len(m.stack)-1]
	if err := m.push(def, target); err != nil {
		return err
	}
	if m.hooks.Exit != nil {
		m.hooks.Exit(m.Dump())
	}
	return nil
}

// HandleEvent delivers an external event. The lookup walks from the leaf
// toward the root; the first state declaring the event wins, and deeper
// frames are discarded. Unknown events are ignored.
func (m *Machine) HandleEvent(ev Event) bool {
	for i := len(m.stack) - 1; i >= 0; i-- {
		f := m.stack[i]
		s := f.def.States[f.state]
		target, ok := s.Transitions[ev]
		if !ok {
			continue
		}
		m.stack = m.stack[:i+1]
		// Targets are validated at build time; transition cannot fail here.
		_ = m.transition(target)
		return true
	}
	return false
}

// Run drives invoke states until the machine reaches a terminal state or
// a state awaiting an external event. Invoke failures route through
// on_error rather than returning; Run errors only on cancellation or a
// missing agent binding.
func (m *Machine) Run(ctx context.Context, agents map[string]Agent) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s := m.leaf()
		if s.Terminal {
			if len(m.stack) == 1 {
				return nil
			}
			// A finished submachine surfaces as DONE on its compound parent.
			m.stack = m.stack[:len(m.stack)-1]
			if !m.HandleEvent(EventDone) {
				return fmt.Errorf("fsm: compound state %q has no DONE transition", m.Current())
			}
			continue
		}
		if s.Invoke == nil {
			return nil
		}

		inv := s.Invoke
		agent, ok := agents[inv.Agent]
		if !ok {
			return fmt.Errorf("fsm: no agent bound for %q", inv.Agent)
		}
		if m.hooks.Running != nil {
			m.hooks.Running(m.Current())
		}
		var inputs map[string]any
		if inv.Inputs != nil {
			inputs = inv.Inputs(m.ctx)
		}

		out, err := agent(ctx, inputs)
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			if inv.OnError.Action != nil {
				inv.OnError.Action(m.ctx, map[string]any{ContextKeyError: err.Error()})
			}
			if terr := m.transition(inv.OnError.Target); terr != nil {
				return terr
			}
			continue
		}
		if inv.OnDone.Action != nil {
			inv.OnDone.Action(m.ctx, out)
		}
		if terr := m.transition(inv.OnDone.Target); terr != nil {
			return terr
		}
	}
}
