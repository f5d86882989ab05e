package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore lays snapshots out as <root>/<trace_id>/<key>.json, with slashes
// in keys becoming subdirectories.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if root == "" {
		return nil, errors.New("snapshot root dir is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) path(traceID, key string) string {
	return filepath.Join(s.root, traceID, filepath.FromSlash(key)+".json")
}

func (s *FSStore) Put(_ context.Context, traceID, key string, body json.RawMessage) error {
	if err := validateKey(traceID, key); err != nil {
		return err
	}
	p := s.path(traceID, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (s *FSStore) Get(_ context.Context, traceID, key string) (json.RawMessage, error) {
	if err := validateKey(traceID, key); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(traceID, key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *FSStore) List(_ context.Context, traceID string) ([]string, error) {
	root := filepath.Join(s.root, traceID)
	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".json") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		keys = append(keys, strings.TrimSuffix(filepath.ToSlash(rel), ".json"))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
