package session

import (
	"encoding/json"
	"fmt"

	"github.com/appdraft/appdraft/internal/llm"
)

// Metadata is the non-FSM session state carried across turns.
type Metadata struct {
	AppName          string `json:"app_name,omitempty"`
	TemplateDiffSent bool   `json:"template_diff_sent,omitempty"`
	Template         string `json:"template,omitempty"`
	InteractionMode  string `json:"interaction_mode,omitempty"`
}

// SessionState is the opaque agent_state echoed to the client on terminal
// events and handed back verbatim on the next turn.
type SessionState struct {
	FSMState    json.RawMessage `json:"fsm_state,omitempty"`
	FSMMessages []llm.Message   `json:"fsm_messages,omitempty"`
	Metadata    Metadata        `json:"metadata"`
}

// DecodeState parses a prior agent_state; nil input yields a fresh state.
func DecodeState(raw json.RawMessage) (*SessionState, error) {
	if len(raw) == 0 {
		return &SessionState{}, nil
	}
	var st SessionState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode agent_state: %w", err)
	}
	return &st, nil
}

// Encode marshals the state for the terminal event.
func (s *SessionState) Encode() (json.RawMessage, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode agent_state: %w", err)
	}
	return b, nil
}
