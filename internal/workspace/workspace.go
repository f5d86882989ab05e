// Package workspace provides a forkable filesystem overlay over a container
// base image, with permissioned writes and command execution.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrNotFound = errors.New("file not found")

// NoMatchError reports an edit whose search text is absent from the file.
type NoMatchError struct {
	Path string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("Search text not found in %s", e.Path)
}

// AmbiguousEditError reports an edit whose search text matched more than once
// without replace_all.
type AmbiguousEditError struct {
	Path  string
	Count int
}

func (e *AmbiguousEditError) Error() string {
	return fmt.Sprintf("Search text found %d times in %s (expected exactly 1); pass replace_all or add surrounding context", e.Count, e.Path)
}

// Workspace is a scoped mutable view over a base image: staged files shadow
// the image, tombstones hide it. Not safe for concurrent use; clone per
// concurrent consumer.
type Workspace struct {
	runtime Runtime
	image   string
	overlay map[string]FileState
	cwd     string
	policy  Policy
	timeout time.Duration
}

type Config struct {
	Runtime Runtime
	Image   string
	Dir     string
	Policy  Policy

	// ExecTimeout bounds each command; expiry yields exit code 124, not an
	// error. Zero means no bound.
	ExecTimeout time.Duration
}

func New(cfg Config) (*Workspace, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("workspace runtime is required")
	}
	if cfg.Image == "" {
		return nil, errors.New("workspace base image is required")
	}
	return &Workspace{
		runtime: cfg.Runtime,
		image:   cfg.Image,
		overlay: map[string]FileState{},
		cwd:     cfg.Dir,
		policy:  cfg.Policy,
		timeout: cfg.ExecTimeout,
	}, nil
}

func (w *Workspace) Image() string  { return w.image }
func (w *Workspace) Policy() Policy { return w.policy }

// SetPermissions replaces the write policy.
func (w *Workspace) SetPermissions(allowed, protected []string) {
	w.policy = Policy{Allowed: allowed, Protected: protected}
}

// Clone forks the workspace: independent overlay and policy, shared base
// image and runtime.
func (w *Workspace) Clone() *Workspace {
	overlay := make(map[string]FileState, len(w.overlay))
	for k, v := range w.overlay {
		overlay[k] = v
	}
	return &Workspace{
		runtime: w.runtime,
		image:   w.image,
		overlay: overlay,
		cwd:     w.cwd,
		policy: Policy{
			Allowed:   append([]string(nil), w.policy.Allowed...),
			Protected: append([]string(nil), w.policy.Protected...),
		},
		timeout: w.timeout,
	}
}

// Overlay returns a copy of the staged file map.
func (w *Workspace) Overlay() map[string]FileState {
	out := make(map[string]FileState, len(w.overlay))
	for k, v := range w.overlay {
		out[k] = v
	}
	return out
}

// ApplyDeltas stages a file-delta map: nil content pointers tombstone.
func (w *Workspace) ApplyDeltas(deltas map[string]*string) {
	for path, content := range deltas {
		path = normalizePath(path)
		if content == nil {
			w.overlay[path] = FileState{Deleted: true}
		} else {
			w.overlay[path] = FileState{Content: *content}
		}
	}
}

func (w *Workspace) ReadFile(ctx context.Context, path string) (string, error) {
	path = normalizePath(path)
	if st, ok := w.overlay[path]; ok {
		if st.Deleted {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return st.Content, nil
	}
	content, err := w.runtime.ReadBase(ctx, w.image, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return "", err
	}
	return content, nil
}

func (w *Workspace) WriteFile(ctx context.Context, path, content string) error {
	path = normalizePath(path)
	if err := w.policy.CheckWrite(path); err != nil {
		return err
	}
	w.overlay[path] = FileState{Content: content}
	return nil
}

// EditFile applies the search/replace policy: zero occurrences is
// NoMatchError, one replaces, several require replaceAll.
func (w *Workspace) EditFile(ctx context.Context, path, search, replace string, replaceAll bool) error {
	path = normalizePath(path)
	if err := w.policy.CheckWrite(path); err != nil {
		return err
	}
	content, err := w.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	if search == "" {
		return &NoMatchError{Path: path}
	}
	count := strings.Count(content, search)
	switch {
	case count == 0:
		return &NoMatchError{Path: path}
	case count > 1 && !replaceAll:
		return &AmbiguousEditError{Path: path, Count: count}
	}
	w.overlay[path] = FileState{Content: strings.ReplaceAll(content, search, replace)}
	return nil
}

func (w *Workspace) DeleteFile(ctx context.Context, path string) error {
	path = normalizePath(path)
	if err := w.policy.CheckWrite(path); err != nil {
		return err
	}
	w.overlay[path] = FileState{Deleted: true}
	return nil
}

// List returns the paths visible through the overlay under prefix, sorted.
func (w *Workspace) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = normalizePath(prefix)
	base, err := w.runtime.ListBase(ctx, w.image, prefix)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, p := range base {
		seen[normalizePath(p)] = true
	}
	for path, st := range w.overlay {
		if prefix != "" && path != prefix && !strings.HasPrefix(path, prefix+"/") {
			continue
		}
		if st.Deleted {
			delete(seen, path)
		} else {
			seen[path] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Exec runs a command against the current overlay. Timeouts are reported as
// exit code 124 with explanatory stderr, never as an error.
func (w *Workspace) Exec(ctx context.Context, command, dir string) (ExecResult, error) {
	return w.exec(ctx, command, dir, false, false)
}

// ExecMut runs a command and captures its filesystem changes back into the
// overlay. Used for dependency installs.
func (w *Workspace) ExecMut(ctx context.Context, command, dir string) (ExecResult, error) {
	res, err := w.exec(ctx, command, dir, true, false)
	if err != nil {
		return res, err
	}
	// A failing install must leave the overlay untouched.
	if res.ExitCode == 0 {
		for path, st := range res.Changed {
			w.overlay[normalizePath(path)] = st
		}
	}
	return res, nil
}

// ExecWithPG runs a command with a transient PostgreSQL bound to
// DATABASE_URL, discarded on return.
func (w *Workspace) ExecWithPG(ctx context.Context, command string) (ExecResult, error) {
	return w.exec(ctx, command, "", false, true)
}

func (w *Workspace) exec(ctx context.Context, command, dir string, mutate, withPG bool) (ExecResult, error) {
	if dir == "" {
		dir = w.cwd
	}
	return w.runtime.Exec(ctx, ExecSpec{
		Image:        w.image,
		Overlay:      w.Overlay(),
		Command:      command,
		Dir:          dir,
		Timeout:      w.timeout,
		Mutate:       mutate,
		WithPostgres: withPG,
	})
}
