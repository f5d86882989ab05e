package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/appdraft/appdraft/internal/events"
	"github.com/appdraft/appdraft/internal/session"
)

// maxRequestBody bounds the generate payload; provided files can be large.
const maxRequestBody = 64 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGenerate runs one turn and streams its events as SSE. The response
// ends after the single terminal idle event.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	req, err := session.ParseRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The session is bound to the server lifetime rather than the HTTP
	// request, so a brief client disconnect does not kill it outright; a
	// disconnect past the grace window cancels it below.
	ctx, cancel := context.WithCancel(s.baseCtx)
	stream := s.cfg.Coordinator.Run(ctx, req)

	b := events.NewBroadcaster()
	entry := &SessionEntry{
		TraceID:     req.TraceID,
		Broadcaster: b,
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(entry); err != nil {
		cancel()
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	go b.Run(stream)
	go func() {
		<-b.Done()
		var terminal *events.Event
		if history := b.History(); len(history) > 0 {
			last := history[len(history)-1]
			terminal = &last
		}
		entry.MarkDone(terminal)
		cancel()
	}()

	sub, _, unsub := b.Subscribe()
	if err := events.WriteSSE(w, r, sub); err != nil {
		s.log.Info("client left before the stream ended", "trace_id", req.TraceID, "err", err)
	}
	unsub()

	// The writer has returned; a session still running has lost its client.
	// Let it finish within the grace window, then tear it down.
	if !entry.Done() {
		go func() {
			select {
			case <-b.Done():
			case <-time.After(s.cfg.DisconnectGrace):
				s.log.Info("client disconnected; cancelling session", "trace_id", req.TraceID)
				entry.Cancel()
			}
		}()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.registry.Get(r.PathValue("trace_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, entry.Status())
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.registry.Get(r.PathValue("trace_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if entry.Done() {
		writeJSON(w, http.StatusOK, entry.Status())
		return
	}
	entry.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"trace_id": entry.TraceID, "state": "cancelling"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
