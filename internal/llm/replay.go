package llm

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zeebo/blake3"
)

// ReplayMode selects the cache behavior of the replay middleware.
type ReplayMode string

const (
	// ReplayRecord stores every completion keyed by its request payload.
	ReplayRecord ReplayMode = "record"
	// ReplayStrict serves completions from the cache only; a miss is an
	// error. Used for deterministic replay of recorded sessions.
	ReplayStrict ReplayMode = "replay"
)

// ReplayCache is a request-keyed completion cache backed by JSON files. The
// key is the blake3 hash of the canonical request encoding, so the same
// request payload always maps to the same entry.
type ReplayCache struct {
	dir  string
	mode ReplayMode

	mu sync.Mutex
}

func NewReplayCache(dir string, mode ReplayMode) (*ReplayCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay cache dir is required")
	}
	if mode != ReplayRecord && mode != ReplayStrict {
		return nil, fmt.Errorf("unknown replay mode: %s", mode)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &ReplayCache{dir: dir, mode: mode}, nil
}

// Key computes the cache key for a request.
func (rc *ReplayCache) Key(req Request) (string, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func (rc *ReplayCache) path(key string) string {
	return filepath.Join(rc.dir, key+".json")
}

// Middleware returns client middleware implementing the cache mode.
func (rc *ReplayCache) Middleware() Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Completion, error) {
			key, err := rc.Key(req)
			if err != nil {
				return Completion{}, err
			}
			if resp, ok, err := rc.load(key); err != nil {
				return Completion{}, err
			} else if ok {
				return resp, nil
			}
			if rc.mode == ReplayStrict {
				return Completion{}, fmt.Errorf("replay cache miss for request key %s", key)
			}
			resp, err := next(ctx, req)
			if err != nil {
				return Completion{}, err
			}
			if err := rc.store(key, resp); err != nil {
				return Completion{}, err
			}
			return resp, nil
		}
	}
}

func (rc *ReplayCache) load(key string) (Completion, bool, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	b, err := os.ReadFile(rc.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Completion{}, false, nil
		}
		return Completion{}, false, err
	}
	var resp Completion
	if err := json.Unmarshal(b, &resp); err != nil {
		return Completion{}, false, fmt.Errorf("decode replay entry %s: %w", key, err)
	}
	return resp, true, nil
}

func (rc *ReplayCache) store(key string, resp Completion) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	b, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return err
	}
	tmp := rc.path(key) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, rc.path(key))
}
