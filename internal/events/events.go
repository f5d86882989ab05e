// Package events defines the outbound event model and the per-session
// ordered stream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusIdle    Status = "idle"
)

type Kind string

const (
	KindStageResult       Kind = "StageResult"
	KindReviewResult      Kind = "ReviewResult"
	KindRefinementRequest Kind = "RefinementRequest"
	KindRuntimeError      Kind = "RuntimeError"
)

type Block struct {
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

type Message struct {
	Kind   Kind    `json:"kind"`
	Blocks []Block `json:"blocks"`

	// AgentState is the opaque session state echoed back by the client on
	// the next turn. Set on terminal events.
	AgentState    json.RawMessage `json:"agent_state,omitempty"`
	UnifiedDiff   string          `json:"unified_diff,omitempty"`
	AppName       string          `json:"app_name,omitempty"`
	CommitMessage string          `json:"commit_message,omitempty"`
}

// Event is one outbound record. Seq increases monotonically within a
// session; the single idle event is always last.
type Event struct {
	Seq     int64   `json:"seq"`
	Status  Status  `json:"status"`
	TraceID string  `json:"trace_id"`
	Message Message `json:"message"`
}

func Text(kind Kind, content string) Message {
	return Message{Kind: kind, Blocks: []Block{{Content: content, TS: time.Now().UTC()}}}
}

var ErrStreamClosed = errors.New("event stream is closed")

// Stream is the per-session ordered event channel. Emission blocks when the
// buffer is full, so back-pressure propagates to the progress callback.
// Exactly one terminal idle event is emitted, by Close.
type Stream struct {
	traceID string
	ch      chan Event

	mu     sync.Mutex
	seq    int64
	closed bool
}

func NewStream(traceID string, buffer int) *Stream {
	if buffer <= 0 {
		buffer = 64
	}
	return &Stream{traceID: traceID, ch: make(chan Event, buffer)}
}

func (s *Stream) Events() <-chan Event { return s.ch }

// Emit sends one running event. Blocks on a full buffer until the consumer
// drains or ctx is cancelled.
func (s *Stream) Emit(ctx context.Context, msg Message) error {
	_, err := s.Send(ctx, msg)
	return err
}

// Send is Emit returning the assigned event, for callers that persist
// emitted events by sequence number.
func (s *Stream) Send(ctx context.Context, msg Message) (Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Event{}, ErrStreamClosed
	}
	s.seq++
	ev := Event{Seq: s.seq, Status: StatusRunning, TraceID: s.traceID, Message: msg}
	s.mu.Unlock()

	select {
	case s.ch <- ev:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close emits the terminal idle event and closes the stream. Like Emit it
// blocks until the consumer drains a full buffer.
func (s *Stream) Close(msg Message) (Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Event{}, ErrStreamClosed
	}
	s.closed = true
	s.seq++
	ev := Event{Seq: s.seq, Status: StatusIdle, TraceID: s.traceID, Message: msg}
	s.mu.Unlock()

	s.ch <- ev
	close(s.ch)
	return ev, nil
}
