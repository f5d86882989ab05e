// Package snapshot persists checkpoints and emitted events keyed by
// (trace_id, key) for offline inspection and resume.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
)

var ErrNotFound = errors.New("snapshot not found")

// Keys used by the session coordinator.
const (
	KeyFSMEnter = "fsm_enter"
	KeyFSMExit  = "fsm_exit"
)

// EventKey names the snapshot of one emitted event.
func EventKey(seq int64) string { return fmt.Sprintf("sse_events/%d", seq) }

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_./-]+$`)

func validateKey(traceID, key string) error {
	if traceID == "" {
		return errors.New("snapshot trace id is required")
	}
	if key == "" || !keyPattern.MatchString(key) {
		return fmt.Errorf("invalid snapshot key: %q", key)
	}
	return nil
}

// Store persists JSON snapshots. Writes within one session are serial;
// implementations need not handle concurrent writers on the same trace.
type Store interface {
	Put(ctx context.Context, traceID, key string, body json.RawMessage) error
	Get(ctx context.Context, traceID, key string) (json.RawMessage, error)
	List(ctx context.Context, traceID string) ([]string, error)
}
