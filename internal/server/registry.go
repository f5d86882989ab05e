package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/appdraft/appdraft/internal/events"
)

// SessionEntry tracks one running or completed generation turn.
type SessionEntry struct {
	TraceID     string
	Broadcaster *events.Broadcaster
	Cancel      func()
	StartedAt   time.Time

	mu       sync.Mutex
	done     bool
	terminal *events.Event
}

// MarkDone records the terminal event once the stream has closed.
func (e *SessionEntry) MarkDone(terminal *events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done = true
	e.terminal = terminal
}

func (e *SessionEntry) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// SessionStatus is the JSON shape of the status endpoint.
type SessionStatus struct {
	TraceID      string     `json:"trace_id"`
	State        string     `json:"state"`
	StartedAt    time.Time  `json:"started_at"`
	LastSeq      int64      `json:"last_seq,omitempty"`
	LastKind     string     `json:"last_kind,omitempty"`
	TerminalKind string     `json:"terminal_kind,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (e *SessionEntry) Status() SessionStatus {
	e.mu.Lock()
	done, terminal := e.done, e.terminal
	e.mu.Unlock()

	status := SessionStatus{TraceID: e.TraceID, State: "running", StartedAt: e.StartedAt}
	if history := e.Broadcaster.History(); len(history) > 0 {
		last := history[len(history)-1]
		status.LastSeq = last.Seq
		status.LastKind = string(last.Message.Kind)
	}
	if done {
		status.State = "idle"
		if terminal != nil {
			status.TerminalKind = string(terminal.Message.Kind)
			if len(terminal.Message.Blocks) > 0 {
				ts := terminal.Message.Blocks[len(terminal.Message.Blocks)-1].TS
				status.FinishedAt = &ts
			}
		}
	}
	return status
}

// Registry tracks the sessions served by this instance. A finished entry
// may be replaced by a later turn reusing the same trace id; a running one
// may not.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionEntry
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*SessionEntry)}
}

func (r *Registry) Register(entry *SessionEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[entry.TraceID]; ok && !existing.Done() {
		return fmt.Errorf("session %s is already running", entry.TraceID)
	}
	r.sessions[entry.TraceID] = entry
	return nil
}

func (r *Registry) Get(traceID string) (*SessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[traceID]
	return entry, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CancelAll cancels every running session, for shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.sessions {
		if !entry.Done() && entry.Cancel != nil {
			entry.Cancel()
		}
	}
}
